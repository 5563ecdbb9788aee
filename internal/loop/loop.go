// Package loop is the orchestration state machine. One goroutine owns every
// state transition; the tailer, the director call, the human prompt and the
// worker process report back to it through an ordered action queue.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/director"
	"github.com/agusx1211/letthemcook/internal/eventq"
	"github.com/agusx1211/letthemcook/internal/interrupt"
	"github.com/agusx1211/letthemcook/internal/mode"
	"github.com/agusx1211/letthemcook/internal/recording"
	"github.com/agusx1211/letthemcook/internal/stream"
	"github.com/agusx1211/letthemcook/internal/tail"
	"github.com/agusx1211/letthemcook/internal/transcript"
	"github.com/agusx1211/letthemcook/internal/turn"
	"github.com/agusx1211/letthemcook/internal/worker"
)

// State is the loop's position in the state machine.
type State string

const (
	StateIdle             State = "idle"
	StateRunning          State = "running"
	StateAwaitingDecision State = "awaiting_decision"
	StateSuspended        State = "suspended"
	// StateManual is the /stay state: the human drives, the director is
	// not consulted until /auto.
	StateManual     State = "manual"
	StateTerminated State = "terminated"
)

// Defaults.
const (
	DefaultDirectorRetries   = 3
	DefaultRetryBackoff      = 2 * time.Second
	DefaultSendDelay         = 2 * time.Second
	DefaultRediscover        = 3
	DefaultDiscoverInterval  = time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	defaultSubscriberBacklog = 256
)

var (
	// ErrNoTask is returned by Run when the mode needs a task and none was
	// given.
	ErrNoTask = errors.New("loop: this mode needs a task")
	// ErrSourceGone is returned when a watched session file could not be
	// found again after it disappeared.
	ErrSourceGone = errors.New("loop: watched session lost")
)

// Worker is the worker controller surface the loop drives.
// *worker.Controller implements it.
type Worker interface {
	Start(ctx context.Context, task string) (*worker.Handle, error)
	Resume(ctx context.Context, prev *worker.Handle, instruction string) (*worker.Handle, error)
	Interrupt(h *worker.Handle) error
	Terminate(h *worker.Handle) error
	Current() *worker.Handle
}

// Config is fixed at start.
type Config struct {
	Mode       mode.Mode
	Task       string
	Aggressive bool
	// MaxTurns bounds the automatic instructions sent. 0 is unlimited.
	MaxTurns int

	IdleTimeout     time.Duration
	Window          transcript.Limits
	DirectorRetries int
	RetryBackoff    time.Duration
	// SendDelay paces automatic instructions. Zero sends immediately; a
	// negative value uses DefaultSendDelay.
	SendDelay time.Duration

	// Watch mode.
	WorkDir          string
	ProjectsDir      string
	Rediscover       int
	DiscoverInterval time.Duration
}

// Hooks observe the loop. They run on the loop goroutine and must not block.
type Hooks struct {
	OnState         func(from, to State)
	OnEvent         func(ev stream.Event)
	OnTurn          func(sig turn.Signal)
	OnDecision      func(turnID int, d director.Decision)
	OnError         func(err error)
	OnWorkerSession func(id string)
}

// Loop sequences one session.
type Loop struct {
	Config

	Transcript *transcript.Transcript
	Tailer     *tail.Tailer
	Worker     Worker
	Director   director.Decider
	Interrupts *interrupt.Coordinator
	Input      interrupt.LineReader
	Display    *stream.Display
	Recorder   *recording.Recorder
	Hooks      Hooks

	// Discover and Follow locate and open the watched session file.
	// They default to tail.Discover and tail.FollowFile from the end.
	Discover func() (tail.SessionFile, error)
	Follow   func(path string) tail.Source

	mu         sync.Mutex
	state      State
	turns      int
	autoSent   int
	lastInstr  string
	exitReason string

	// Owned by the Run goroutine.
	actions     chan func()
	events      <-chan stream.Event
	suspendedCh <-chan struct{}
	detector    *turn.Detector
	handle      *worker.Handle
	doneCh      <-chan struct{}
	sending     bool
	pending     *outgoing
	prompting   bool
	decisionGen int
	cancelCall  context.CancelFunc
	attempts    int
	lost        int
	exitErr     error
	records     sync.WaitGroup
}

type outgoing struct {
	source string
	text   string
}

// Snapshot is a point-in-time view for observers.
type Snapshot struct {
	Mode            mode.Mode `json:"mode"`
	State           State     `json:"state"`
	Turns           int       `json:"turns"`
	AutoSent        int       `json:"auto_sent"`
	LastInstruction string    `json:"last_instruction,omitempty"`
	Interrupt       string    `json:"interrupt"`
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Turns returns the number of closed turns.
func (l *Loop) Turns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.turns
}

// ExitReason explains why the loop terminated.
func (l *Loop) ExitReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitReason
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		Mode:            l.Mode,
		State:           l.state,
		Turns:           l.turns,
		AutoSent:        l.autoSent,
		LastInstruction: l.lastInstr,
	}
	if l.Interrupts != nil {
		s.Interrupt = l.Interrupts.State().String()
	}
	return s
}

// StopWorker implements interrupt.Stopper: a suspension interrupts whatever
// worker process is running.
func (l *Loop) StopWorker(reason string) {
	if l.Worker == nil {
		return
	}
	h := l.Worker.Current()
	if h == nil || !h.Running() {
		return
	}
	debug.LogKV("loop", "interrupting worker", "reason", reason, "launch", h.Launch)
	if err := l.Worker.Interrupt(h); err != nil {
		debug.LogKV("loop", "interrupt failed", "error", err)
	}
}

func (l *Loop) setState(to State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()
	if from == to {
		return
	}
	debug.LogKV("loop", "state changed", "from", from, "to", to)
	if l.Hooks.OnState != nil {
		l.Hooks.OnState(from, to)
	}
}

func (l *Loop) withDefaults() {
	if l.DirectorRetries <= 0 {
		l.DirectorRetries = DefaultDirectorRetries
	}
	if l.RetryBackoff <= 0 {
		l.RetryBackoff = DefaultRetryBackoff
	}
	if l.SendDelay < 0 {
		l.SendDelay = DefaultSendDelay
	}
	if l.Rediscover <= 0 {
		l.Rediscover = DefaultRediscover
	}
	if l.DiscoverInterval <= 0 {
		l.DiscoverInterval = DefaultDiscoverInterval
	}
	if l.Display == nil {
		l.Display = stream.NewDisplay(io.Discard)
	}
	if l.Interrupts == nil {
		l.Interrupts = interrupt.New(l)
	}
	if l.Discover == nil {
		l.Discover = func() (tail.SessionFile, error) {
			dir := l.ProjectsDir
			if dir == "" {
				var err error
				if dir, err = tail.DefaultProjectsDir(); err != nil {
					return tail.SessionFile{}, err
				}
			}
			return tail.Discover(dir, l.WorkDir)
		}
	}
	if l.Follow == nil {
		l.Follow = func(path string) tail.Source {
			return tail.FollowFile(path, tail.Options{FromEnd: true})
		}
	}
}

// Run drives the session until it terminates: Stop, /quit, MaxTurns, a
// fatal error, or ctx cancellation. It always closes the worker and the
// transcript before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.withDefaults()
	if l.Mode.RequiresTask() && l.Task == "" {
		return ErrNoTask
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.actions = make(chan func(), 64)
	l.events = l.Tailer.Subscribe(defaultSubscriberBacklog)
	tailerDone := make(chan struct{})
	go func() {
		defer close(tailerDone)
		_ = l.Tailer.Run(ctx)
	}()
	l.detector = turn.New(turn.Options{IdleTimeout: l.IdleTimeout})
	defer l.detector.Stop()

	l.suspendedCh = l.Interrupts.Suspended()

	debug.LogKV("loop", "loop starting",
		"mode", l.Mode,
		"aggressive", l.Aggressive,
		"max_turns", l.MaxTurns,
		"transcript", l.Transcript.ID(),
	)

	switch {
	case l.Mode.Observing():
		l.setState(StateIdle)
		l.startWatch(ctx)
	case l.Task != "":
		l.setState(StateRunning)
		l.queueSend(ctx, stream.SourceTask, l.Task)
	default:
		l.setState(StateIdle)
		l.Display.Info("What should the worker do? (/stay for manual control, /quit to exit)")
		l.prompt(ctx)
	}

	for l.State() != StateTerminated {
		var suspended <-chan struct{}
		if st := l.State(); st != StateSuspended && st != StateManual {
			suspended = l.suspendedCh
		}
		select {
		case <-ctx.Done():
			l.terminate("cancelled", ctx.Err())
		case ev, ok := <-l.events:
			if !ok {
				l.terminate("tailer stopped", errors.New("loop: tailer stopped"))
				continue
			}
			l.observe(ctx, ev)
		case sig := <-l.detector.Idle():
			l.onTurnClosed(ctx, sig)
		case <-l.doneCh:
			l.doneCh = nil
			l.onWorkerExit(ctx, l.handle)
		case <-suspended:
			l.onSuspended(ctx, l.Interrupts.Reason())
		case fn := <-l.actions:
			fn()
		}
	}

	l.shutdown(cancel, tailerDone)
	l.Display.Info("Finished after %d turns (%s).", l.Turns(), l.ExitReason())
	return l.exitErr
}

// post queues fn to run on the loop goroutine.
func (l *Loop) post(ctx context.Context, fn func()) {
	eventq.Send(ctx, l.actions, fn)
}

// after posts fn once d has elapsed. It never blocks the caller.
func (l *Loop) after(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		go l.post(ctx, fn)
		return
	}
	time.AfterFunc(d, func() { l.post(ctx, fn) })
}

func (l *Loop) terminate(reason string, err error) {
	if l.State() == StateTerminated {
		return
	}
	l.mu.Lock()
	l.exitReason = reason
	l.mu.Unlock()
	l.exitErr = err
	l.decisionGen++
	if l.cancelCall != nil {
		l.cancelCall()
	}
	debug.LogKV("loop", "terminating", "reason", reason, "error", err)
	l.setState(StateTerminated)
}

// shutdown stops the worker, flushes what it wrote, then closes the
// transcript.
func (l *Loop) shutdown(cancel context.CancelFunc, tailerDone <-chan struct{}) {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range l.events {
			if l.Hooks.OnEvent != nil {
				l.Hooks.OnEvent(ev)
			}
			l.Display.Handle(ev)
		}
	}()

	if h := l.Worker.Current(); h != nil && h.Running() {
		if err := l.Worker.Terminate(h); err != nil {
			debug.LogKV("loop", "terminate worker failed", "error", err)
		}
	}
	l.records.Wait()
	flushCtx, stop := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	if err := l.flushTailer(flushCtx, tailerDone); err != nil {
		debug.LogKV("loop", "final flush failed", "error", err)
	}
	stop()
	cancel()
	<-tailerDone
	<-drained
	if err := l.Transcript.Close(); err != nil {
		debug.LogKV("loop", "transcript close failed", "error", err)
	}
}

func (l *Loop) flushTailer(ctx context.Context, tailerDone <-chan struct{}) error {
	done := make(chan error, 1)
	go func() { done <- l.Tailer.Flush(ctx) }()
	select {
	case err := <-done:
		return err
	case <-tailerDone:
		return nil
	}
}

func (l *Loop) reportError(err error) {
	if l.Hooks.OnError != nil {
		l.Hooks.OnError(err)
	}
}

// failureContext describes where the session stood, for error reports.
func (l *Loop) failureContext() string {
	l.mu.Lock()
	instr := l.lastInstr
	l.mu.Unlock()
	ctx := "last instruction: " + quoteOrNone(instr)
	if last, ok := l.Transcript.Last(); ok {
		ctx += fmt.Sprintf("; last event: #%d %s", last.Seq, last.Kind)
	}
	return ctx
}

func quoteOrNone(s string) string {
	if s == "" {
		return "none"
	}
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return fmt.Sprintf("%q", s)
}
