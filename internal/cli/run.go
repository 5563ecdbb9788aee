package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/letthemcook/internal/config"
	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/detect"
	"github.com/agusx1211/letthemcook/internal/director"
	"github.com/agusx1211/letthemcook/internal/events"
	"github.com/agusx1211/letthemcook/internal/hexid"
	"github.com/agusx1211/letthemcook/internal/interrupt"
	"github.com/agusx1211/letthemcook/internal/loop"
	"github.com/agusx1211/letthemcook/internal/mode"
	"github.com/agusx1211/letthemcook/internal/monitor"
	"github.com/agusx1211/letthemcook/internal/notify"
	"github.com/agusx1211/letthemcook/internal/recording"
	"github.com/agusx1211/letthemcook/internal/stats"
	"github.com/agusx1211/letthemcook/internal/store"
	"github.com/agusx1211/letthemcook/internal/stream"
	"github.com/agusx1211/letthemcook/internal/tail"
	"github.com/agusx1211/letthemcook/internal/transcript"
	"github.com/agusx1211/letthemcook/internal/turn"
	"github.com/agusx1211/letthemcook/internal/worker"
)

// defaultLANAddr is where --mdns and --qr serve when no address is given.
const defaultLANAddr = ":7345"

// runOptions is one run's configuration after flags are applied over the
// config file.
type runOptions struct {
	Mode          mode.Mode
	Task          string
	Model         string
	DirectorModel string
	MaxTurns      int
	IdleTimeout   time.Duration
	Aggressive    bool
	Monitor       string
	MonitorToken  string
	MDNS          bool
	QR            bool
	Store         bool
}

func resolveOptions(cmd *cobra.Command, args []string, cfg *config.Config) (runOptions, error) {
	f := cmd.Flags()
	o := runOptions{
		Model:         cfg.Worker.Model,
		DirectorModel: cfg.Director.Model,
		MaxTurns:      cfg.Loop.MaxTurns,
		IdleTimeout:   cfg.Loop.IdleTimeout.Std(),
		Aggressive:    cfg.IsAggressive(),
		Monitor:       cfg.Monitor.Addr,
		MonitorToken:  cfg.Monitor.Token,
		MDNS:          cfg.Monitor.MDNS,
		Store:         !cfg.Store.Disabled,
	}
	if len(args) > 0 {
		o.Task = strings.TrimSpace(args[0])
	}

	watch, _ := f.GetBool("watch")
	passive, _ := f.GetBool("passive")
	relentless, _ := f.GetBool("relentless")
	modeName, _ := f.GetString("mode")
	if relentless && (watch || passive) {
		return o, errors.New("--relentless cannot be combined with --watch or --passive")
	}
	switch {
	case modeName != "":
		m, err := mode.Parse(modeName)
		if err != nil {
			return o, err
		}
		o.Mode = m
	case passive:
		o.Mode = mode.Passive
	case watch:
		o.Mode = mode.Watch
	case relentless:
		o.Mode = mode.Relentless
	case o.Task != "":
		o.Mode = mode.Drive
	default:
		o.Mode = mode.Interactive
	}
	if o.Mode.RequiresTask() && o.Task == "" {
		return o, fmt.Errorf("%s needs a task: cook --mode %s \"<task>\"", o.Mode.Title(), o.Mode)
	}

	if v, _ := f.GetString("model"); v != "" {
		o.Model = v
	}
	if v, _ := f.GetString("director-model"); v != "" {
		o.DirectorModel = v
	}
	if f.Changed("max-turns") {
		v, _ := f.GetInt("max-turns")
		if v < 0 {
			return o, fmt.Errorf("--max-turns must not be negative, got %d", v)
		}
		o.MaxTurns = v
	}
	if f.Changed("idle-timeout") {
		v, _ := f.GetDuration("idle-timeout")
		if v <= 0 {
			return o, fmt.Errorf("--idle-timeout must be positive, got %s", v)
		}
		o.IdleTimeout = v
	}
	if v, _ := f.GetBool("no-aggressive"); v {
		o.Aggressive = false
	}
	if v, _ := f.GetString("monitor"); v != "" {
		o.Monitor = v
	}
	if v, _ := f.GetBool("mdns"); v {
		o.MDNS = true
	}
	o.QR, _ = f.GetBool("qr")
	if v, _ := f.GetBool("no-store"); v {
		o.Store = false
	}
	if (o.MDNS || o.QR) && o.Monitor == "" {
		o.Monitor = defaultLANAddr
	}
	if o.Monitor != "" && o.MonitorToken == "" && !loopbackAddr(o.Monitor) {
		o.MonitorToken = hexid.Token()
	}
	return o, nil
}

// loopbackAddr reports whether addr only accepts local connections.
func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func runCook(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts, err := resolveOptions(cmd, args, cfg)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	var bin detect.Binary
	if opts.Mode != mode.Passive {
		if bin, err = detect.Worker(cfg.Worker.Command); err != nil {
			return fmt.Errorf("claude CLI not found (set %s or [worker] command): %w", config.EnvClaudeBin, err)
		}
		cfg.Worker.Command = bin.Path
		debug.LogKV("cli", "worker resolved", "path", bin.Path, "version", bin.Version)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	s, err := newSession(cfg, opts, wd, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	s.worker = bin
	debug.SetSession(s.id)
	return s.run(ctx)
}

// session owns every collaborator of one run.
type session struct {
	id      string
	wd      string
	cfg     *config.Config
	opts    runOptions
	out     io.Writer
	display *stream.Display
	worker  detect.Binary

	store    *store.Store
	loop     *loop.Loop
	monitor  *monitor.Server
	notifier *notify.Notifier
}

func newSession(cfg *config.Config, opts runOptions, wd string, in io.Reader, out io.Writer) (*session, error) {
	s := &session{
		id:      uuid.NewString(),
		wd:      wd,
		cfg:     cfg,
		opts:    opts,
		out:     out,
		display: stream.NewDisplay(out),
	}

	var trOpts []transcript.Option
	var recSink recording.Sink
	if opts.Store {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			s.display.Warn("Transcript will not be saved: %v", err)
		} else {
			s.store = st
			trOpts = append(trOpts, transcript.WithSink(st))
			recSink = st
		}
	}

	trOpts = append(trOpts, transcript.WithCap(cfg.Loop.WindowEvents))
	tr := transcript.New(s.id, trOpts...)
	tl := tail.New(tr)
	tl.OnMalformed = func(raw []byte, _ error) { s.display.Malformed(string(raw)) }
	rec := recording.New(s.id, recSink)
	ctrl := &worker.Controller{
		Command:        cfg.Worker.Command,
		Model:          opts.Model,
		Args:           cfg.Worker.Args,
		WorkDir:        wd,
		Tailer:         tl,
		Recorder:       rec,
		InterruptGrace: cfg.Worker.InterruptGrace.Std(),
		Detached:       opts.Mode.Observing(),
	}

	l := &loop.Loop{
		Config: loop.Config{
			Mode:            opts.Mode,
			Task:            opts.Task,
			Aggressive:      opts.Aggressive,
			MaxTurns:        opts.MaxTurns,
			IdleTimeout:     opts.IdleTimeout,
			Window:          transcript.Limits{MaxEvents: cfg.Loop.WindowEvents, MaxTurns: cfg.Loop.WindowTurns},
			DirectorRetries: cfg.Director.Retries,
			SendDelay:       cfg.Loop.SendDelay.Std(),
			WorkDir:         wd,
		},
		Transcript: tr,
		Tailer:     tl,
		Worker:     ctrl,
		Input:      newLineReader(in, out),
		Display:    s.display,
		Recorder:   rec,
	}
	if d := newDirector(cfg, opts); d != nil {
		l.Director = d
	}
	l.Interrupts = interrupt.New(l)
	s.loop = l

	if cfg.Pushover.Configured() {
		s.notifier = notify.New(notify.NewPushover(cfg.Pushover), filepath.Base(wd))
	}
	if opts.Monitor != "" {
		s.monitor = monitor.New(monitor.Options{
			Addr:  opts.Monitor,
			Token: opts.MonitorToken,
			MDNS:  opts.MDNS,
			Name:  filepath.Base(wd),
		}, l, tr)
	}
	l.Hooks = s.hooks()
	return s, nil
}

// newDirector returns nil when no API key is available; the loop then hands
// every finished turn to the human.
func newDirector(cfg *config.Config, opts runOptions) *director.Client {
	if opts.Mode == mode.Passive || cfg.Director.APIKey == "" {
		return nil
	}
	gemOpts := []director.GeminiOption{director.WithModel(opts.DirectorModel)}
	if cfg.Director.BaseURL != "" {
		gemOpts = append(gemOpts, director.WithBaseURL(cfg.Director.BaseURL))
	}
	return director.New(director.NewGemini(cfg.Director.APIKey, gemOpts...))
}

// newLineReader uses the bubbletea prompt on a terminal and a plain line
// scanner otherwise.
func newLineReader(in io.Reader, out io.Writer) interrupt.LineReader {
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return &interrupt.TeaReader{In: in, Out: out, Placeholder: "message, /stay, /auto or /quit"}
	}
	return interrupt.NewScannerReader(in, out)
}

func (s *session) hooks() loop.Hooks {
	return loop.Hooks{
		OnState: func(from, to loop.State) {
			if to != loop.StateRunning && to != loop.StateAwaitingDecision {
				s.display.State(string(to))
			}
			s.publish(events.State(string(from), string(to)))
		},
		OnEvent: func(ev stream.Event) {
			s.publish(events.Event(ev))
		},
		OnTurn: func(sig turn.Signal) {
			s.publish(events.Turn(sig.TurnID, string(sig.Reason), sig.Err))
			s.update("turns", func(ctx context.Context) error {
				return s.store.SetTurns(ctx, s.id, s.loop.Turns())
			})
		},
		OnDecision: func(turnID int, d director.Decision) {
			s.publish(events.Decision(turnID, d.Kind.String(), d.Instruction))
		},
		OnError: func(err error) {
			s.publish(events.Error(err))
			s.notifier.NeedsHuman("cook paused", err)
		},
		OnWorkerSession: func(id string) {
			s.update("worker_session", func(ctx context.Context) error {
				return s.store.SetWorkerSession(ctx, s.id, id)
			})
		},
	}
}

func (s *session) publish(env events.Envelope) {
	if s.monitor != nil {
		s.monitor.Publish(env)
	}
}

// update runs a store write with a short deadline. Store failures never stop
// the session.
func (s *session) update(what string, fn func(ctx context.Context) error) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		debug.LogKV("cli", "store update failed", "what", what, "session", s.id, "error", err)
	}
}

func (s *session) run(ctx context.Context) error {
	if s.store != nil {
		defer s.store.Close()
		s.update("create", func(ctx context.Context) error {
			return s.store.CreateSession(ctx, store.Session{
				ID:      s.id,
				Mode:    string(s.opts.Mode),
				Task:    s.opts.Task,
				WorkDir: s.wd,
				Status:  store.StatusRunning,
			})
		})
	}

	if s.monitor != nil {
		if err := s.monitor.Start(); err != nil {
			s.display.Warn("Monitor unavailable: %v", err)
			s.monitor = nil
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = s.monitor.Shutdown(shutdownCtx)
			}()
		}
	}
	s.banner()
	if s.monitor != nil && s.opts.QR {
		if code, err := monitor.QRCode(s.monitor.URL()); err != nil {
			s.display.Warn("QR code: %v", err)
		} else {
			fmt.Fprintln(s.out, code)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	go s.loop.Interrupts.Listen(listenCtx, sigs)

	debug.LogKV("cli", "session starting", "id", s.id, "mode", s.opts.Mode, "model", s.opts.Model, "director", s.loop.Director != nil)
	runErr := s.loop.Run(ctx)

	turns, reason := s.loop.Turns(), s.loop.ExitReason()
	s.publish(events.Done(turns, reason))
	s.update("finish", func(ctx context.Context) error {
		if err := s.store.SetTurns(ctx, s.id, turns); err != nil {
			return err
		}
		return s.store.FinishSession(ctx, s.id, finishStatus(runErr))
	})
	s.notifier.Finished(turns, reason)
	s.notifier.Wait()

	fmt.Fprintf(s.out, "%s%s%s\n", colorDim, s.summary(), colorReset)
	if s.store != nil {
		fmt.Fprintf(s.out, "%sTranscript saved: cook replay %s%s\n", colorDim, shortID(s.id), colorReset)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// summary is the one-line totals printed when the session ends.
func (s *session) summary() string {
	line := stats.FromEvents(s.loop.Transcript.Snapshot()).Summary()
	if n := s.loop.Tailer.Stats().Malformed; n > 0 {
		line += fmt.Sprintf(", %d unparsed %s skipped", n, pluralLines(n))
	}
	return line
}

func pluralLines(n uint64) string {
	if n == 1 {
		return "line"
	}
	return "lines"
}

func (s *session) banner() {
	directorName := "off"
	if s.loop.Director != nil {
		directorName = s.opts.DirectorModel
	}

	claude := s.opts.Model
	if s.worker.Version != "" && s.worker.Version != "unknown" {
		claude += " (v" + s.worker.Version + ")"
	}

	var lines []string
	hint := "Press Ctrl+C to take over"
	switch {
	case s.opts.Mode.Observing():
		watching := "Active (will chime in)"
		if s.opts.Mode == mode.Passive {
			watching = "Passive (watch only)"
		}
		lines = append(lines, "Mode: "+watching, "Director: "+directorName)
		hint = "Press Ctrl+C to pause"
	case s.opts.Mode == mode.Interactive:
		lines = append(lines, fmt.Sprintf("Claude: %s | Director: %s", claude, directorName))
		hint = "/auto - Let cook take over | /stay - Manual | /quit - Exit"
	default:
		lines = append(lines, fmt.Sprintf("Claude: %s | Director: %s", claude, directorName))
		maxStr := "unlimited"
		if s.opts.MaxTurns > 0 {
			maxStr = fmt.Sprintf("%d", s.opts.MaxTurns)
		}
		lines = append(lines, fmt.Sprintf("Max turns: %s | Aggressive: %t", maxStr, s.opts.Aggressive))
	}
	if s.monitor != nil {
		lines = append(lines, "Monitor: "+s.monitor.URL())
	}
	lines = append(lines, "", hint)
	s.display.Banner("LET THEM COOK - "+s.opts.Mode.Title(), lines...)
}

func finishStatus(err error) string {
	switch {
	case err == nil:
		return store.StatusFinished
	case errors.Is(err, context.Canceled):
		return store.StatusStopped
	default:
		return store.StatusFailed
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
