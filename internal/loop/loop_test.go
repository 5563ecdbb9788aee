package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/agusx1211/letthemcook/internal/director"
	"github.com/agusx1211/letthemcook/internal/eventq"
	"github.com/agusx1211/letthemcook/internal/interrupt"
	"github.com/agusx1211/letthemcook/internal/mode"
	"github.com/agusx1211/letthemcook/internal/recording"
	"github.com/agusx1211/letthemcook/internal/stream"
	"github.com/agusx1211/letthemcook/internal/tail"
	"github.com/agusx1211/letthemcook/internal/transcript"
	"github.com/agusx1211/letthemcook/internal/worker"
)

const (
	initLine   = `{"type":"system","subtype":"init","session_id":"sess-1","model":"sonnet"}`
	resultLine = `{"type":"result","subtype":"success","result":"ok"}`
	toolLine   = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`
)

func say(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":%q}]}}`, text)
}

func sayEndTurn(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","stop_reason":"end_turn","content":[{"type":"text","text":%q}]}}`, text)
}

// fakeRun scripts one worker launch.
type fakeRun struct {
	lines []string
	// block keeps the process alive until it is signalled.
	block bool
	exit  error
}

type fakeLauncher struct {
	mu     sync.Mutex
	script []fakeRun
	specs  []worker.Spec
}

func (f *fakeLauncher) Launch(ctx context.Context, spec worker.Spec) (worker.Process, error) {
	f.mu.Lock()
	n := len(f.specs)
	f.specs = append(f.specs, spec)
	run := fakeRun{lines: []string{say("done"), resultLine}}
	if n < len(f.script) {
		run = f.script[n]
	}
	f.mu.Unlock()

	p := &fakeProcess{stop: make(chan struct{}), done: make(chan struct{})}
	var out io.WriteCloser
	if spec.Stdout != nil {
		out = nopCloser{spec.Stdout}
	} else {
		pr, pw := io.Pipe()
		p.stdout = pr
		out = pw
	}
	go func() {
		for _, line := range run.lines {
			fmt.Fprintln(out, line)
		}
		if run.block {
			<-p.stop
		}
		out.Close()
		p.err = run.exit
		close(p.done)
	}()
	return p, nil
}

func (f *fakeLauncher) launched() []worker.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.Spec(nil), f.specs...)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

type fakeProcess struct {
	stdout io.Reader
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
	err    error
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }

func (p *fakeProcess) Signal(syscall.Signal) error {
	p.once.Do(func() { close(p.stop) })
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

type chanReader struct{ lines chan string }

func newChanReader(lines ...string) *chanReader {
	r := &chanReader{lines: make(chan string, 16)}
	for _, l := range lines {
		r.lines <- l
	}
	return r
}

func (r *chanReader) ReadLine(ctx context.Context) (string, error) {
	select {
	case line := <-r.lines:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	loop     *Loop
	launcher *fakeLauncher
	input    *chanReader
	out      *syncBuffer
	calls    atomic.Int32
	states   chan State
	errs     []error
}

func newHarness(t *testing.T, cfg Config, script []fakeRun, decide func(n int, ctx context.Context, req director.Request) (director.Decision, error), input ...string) *harness {
	t.Helper()
	tr := transcript.New("loop-test")
	tl := tail.New(tr)
	rec := recording.New("loop-test", nil)
	h := &harness{
		launcher: &fakeLauncher{script: script},
		input:    newChanReader(input...),
		out:      &syncBuffer{},
		states:   make(chan State, 64),
	}
	ctrl := &worker.Controller{
		Command:        "claude",
		WorkDir:        t.TempDir(),
		Tailer:         tl,
		Recorder:       rec,
		Launcher:       h.launcher,
		InterruptGrace: time.Second,
		Detached:       cfg.Mode.Observing(),
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 50 * time.Millisecond
	}
	cfg.RetryBackoff = time.Millisecond
	l := &Loop{
		Config:     cfg,
		Transcript: tr,
		Tailer:     tl,
		Worker:     ctrl,
		Input:      h.input,
		Display:    stream.NewDisplay(h.out),
		Recorder:   rec,
	}
	if decide != nil {
		l.Director = director.FuncDecider(func(ctx context.Context, req director.Request) (director.Decision, error) {
			n := int(h.calls.Add(1))
			return decide(n, ctx, req)
		})
	}
	l.Interrupts = interrupt.New(l)
	l.Hooks.OnState = func(_, to State) { eventq.Offer(h.states, to) }
	l.Hooks.OnError = func(err error) { h.errs = append(h.errs, err) }
	h.loop = l
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatalf("loop did not finish; state=%s output:\n%s", h.loop.State(), h.out.String())
		return nil
	}
}

func (h *harness) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	return done
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s never reached", want)
		}
	}
}

func lastArgs(spec worker.Spec, n int) string {
	if len(spec.Args) < n {
		return strings.Join(spec.Args, " ")
	}
	return strings.Join(spec.Args[len(spec.Args)-n:], " ")
}

func instructions(tr *transcript.Transcript) []stream.Event {
	var out []stream.Event
	for _, ev := range tr.Snapshot() {
		if ev.Kind == stream.KindInstruction {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunRequiresTask(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive}, nil, nil)
	if err := h.loop.Run(context.Background()); !errors.Is(err, ErrNoTask) {
		t.Fatalf("Run err = %v, want ErrNoTask", err)
	}
	if len(h.launcher.launched()) != 0 {
		t.Fatal("worker launched without a task")
	}
}

func TestDriveStopsAtMaxTurns(t *testing.T) {
	script := []fakeRun{
		{lines: []string{initLine, say("scaffolded"), resultLine}},
		{lines: []string{say("tests added"), resultLine}},
	}
	h := newHarness(t, Config{Mode: mode.Drive, Task: "build the thing", Aggressive: true, MaxTurns: 1},
		script,
		func(n int, _ context.Context, req director.Request) (director.Decision, error) {
			if req.Task != "build the thing" || !req.Aggressive || req.Latest != "scaffolded" {
				return director.Decision{}, fmt.Errorf("unexpected request: %+v", req)
			}
			return director.Decision{Kind: director.Instruct, Instruction: "add tests"}, nil
		})
	var awaiting atomic.Int32
	h.loop.Hooks.OnState = func(_, to State) {
		if to == StateAwaitingDecision {
			awaiting.Add(1)
		}
	}

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.calls.Load(); got != 1 {
		t.Fatalf("director called %d times, want 1", got)
	}
	if got := awaiting.Load(); got != 1 {
		t.Fatalf("awaiting_decision entered %d times, want 1", got)
	}
	specs := h.launcher.launched()
	if len(specs) != 2 {
		t.Fatalf("launched %d workers, want 2", len(specs))
	}
	if got := lastArgs(specs[0], 1); got != "build the thing" {
		t.Fatalf("first prompt = %q", got)
	}
	if got := lastArgs(specs[1], 3); got != "--resume sess-1 add tests" {
		t.Fatalf("second launch args tail = %q", got)
	}
	if h.loop.ExitReason() != "max turns reached" {
		t.Fatalf("exit reason = %q", h.loop.ExitReason())
	}
	if h.loop.Turns() != 2 {
		t.Fatalf("turns = %d, want 2", h.loop.Turns())
	}

	instr := instructions(h.loop.Transcript)
	if len(instr) != 2 || instr[0].Payload.Source != stream.SourceTask || instr[1].Payload.Source != stream.SourceDirector {
		t.Fatalf("recorded instructions = %+v", instr)
	}
	if !strings.Contains(h.out.String(), "Finished after 2 turns") {
		t.Fatalf("missing summary line:\n%s", h.out.String())
	}
}

func TestSilentHandsControlToHuman(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive, Task: "task", Aggressive: true},
		nil,
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{Kind: director.Silent}, nil
		},
		"/quit")

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(h.out.String(), "Task complete or needs user input.") {
		t.Fatalf("missing hand-over notice:\n%s", h.out.String())
	}
	if h.loop.ExitReason() != "quit" {
		t.Fatalf("exit reason = %q", h.loop.ExitReason())
	}
}

func TestStopDecisionTerminates(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive, Task: "task"},
		nil,
		func(n int, _ context.Context, _ director.Request) (director.Decision, error) {
			if n < 3 {
				return director.Decision{Kind: director.Instruct, Instruction: fmt.Sprintf("step %d", n)}, nil
			}
			return director.Decision{Kind: director.Stop}, nil
		})

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(h.launcher.launched()); got != 3 {
		t.Fatalf("launched %d workers, want 3", got)
	}
	if h.loop.ExitReason() != "task complete" {
		t.Fatalf("exit reason = %q", h.loop.ExitReason())
	}
	if h.loop.State() != StateTerminated {
		t.Fatalf("state = %s", h.loop.State())
	}
}

func TestRelentlessIgnoresStop(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Relentless, Task: "task"},
		nil,
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{Kind: director.Stop}, nil
		},
		"/quit")
	var kinds []director.Kind
	var kindsMu sync.Mutex
	h.loop.Hooks.OnDecision = func(_ int, d director.Decision) {
		kindsMu.Lock()
		kinds = append(kinds, d.Kind)
		kindsMu.Unlock()
	}

	done := h.start(context.Background())
	deadline := time.Now().Add(10 * time.Second)
	for len(h.launcher.launched()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(h.launcher.launched()); got < 3 {
		t.Fatalf("loop stopped relaunching after %d workers", got)
	}
	h.loop.Interrupts.Trigger("signal: interrupt")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("loop did not finish:\n%s", h.out.String())
	}
	if h.loop.ExitReason() != "quit" {
		t.Fatalf("exit reason = %q, want quit", h.loop.ExitReason())
	}

	kindsMu.Lock()
	defer kindsMu.Unlock()
	if len(kinds) < 2 {
		t.Fatalf("decisions = %v, want at least 2", kinds)
	}
	for _, k := range kinds {
		if k != director.Instruct {
			t.Fatalf("decision kind %q reached the loop in relentless mode", k)
		}
	}
	var fromDirector int
	for _, ev := range instructions(h.loop.Transcript) {
		if ev.Payload.Source != stream.SourceDirector {
			continue
		}
		fromDirector++
		if ev.Payload.Text != director.KeepGoing {
			t.Fatalf("director instruction = %q, want the keep-going prompt", ev.Payload.Text)
		}
	}
	if fromDirector < 2 {
		t.Fatalf("sent %d keep-going instructions, want at least 2", fromDirector)
	}
	if strings.Contains(h.out.String(), "task is complete") {
		t.Fatalf("relentless run announced completion:\n%s", h.out.String())
	}
}

func TestTriggerBeforeDecisionDiscardsIt(t *testing.T) {
	var h *harness
	h = newHarness(t, Config{Mode: mode.Drive, Task: "task"},
		nil,
		func(int, context.Context, director.Request) (director.Decision, error) {
			h.loop.Interrupts.Trigger("signal: interrupt")
			return director.Decision{Kind: director.Stop}, nil
		},
		"/quit")

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.loop.ExitReason() != "quit" {
		t.Fatalf("exit reason = %q, want quit", h.loop.ExitReason())
	}
	if strings.Contains(h.out.String(), "task is complete") {
		t.Fatalf("stale stop decision acted:\n%s", h.out.String())
	}
	if got := h.calls.Load(); got != 1 {
		t.Fatalf("director called %d times, want 1", got)
	}
}

func TestSimplifiedStreamClosesOneTurn(t *testing.T) {
	script := []fakeRun{
		{lines: []string{`{"type":"init"}`, `{"type":"message","text":"hi"}`, `{"type":"turn_complete"}`}},
	}
	h := newHarness(t, Config{Mode: mode.Drive, Task: "task", Aggressive: true, MaxTurns: 1},
		script,
		func(_ int, _ context.Context, req director.Request) (director.Decision, error) {
			if req.Latest != "hi" {
				return director.Decision{}, fmt.Errorf("latest = %q, want hi", req.Latest)
			}
			return director.Decision{Kind: director.Instruct, Instruction: "next"}, nil
		})
	var (
		seqMu sync.Mutex
		seq   []State
	)
	h.loop.Hooks.OnState = func(_, to State) {
		seqMu.Lock()
		seq = append(seq, to)
		seqMu.Unlock()
	}

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.calls.Load(); got != 1 {
		t.Fatalf("director called %d times, want 1", got)
	}
	if len(h.errs) != 0 {
		t.Fatalf("reported errors = %v", h.errs)
	}

	seqMu.Lock()
	defer seqMu.Unlock()
	awaiting, resumed := 0, false
	for i, s := range seq {
		if s != StateAwaitingDecision {
			continue
		}
		awaiting++
		if i+1 < len(seq) && seq[i+1] == StateRunning {
			resumed = true
		}
	}
	if awaiting != 1 {
		t.Fatalf("awaiting_decision entered %d times, want 1 (states %v)", awaiting, seq)
	}
	if !resumed {
		t.Fatalf("loop never re-entered running after the decision: %v", seq)
	}
	if got := len(h.launcher.launched()); got != 2 {
		t.Fatalf("launched %d workers, want 2", got)
	}
}

func TestInterruptDiscardsPendingDecision(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive, Task: "task"},
		[]fakeRun{
			{lines: []string{initLine, say("first pass"), resultLine}},
			{lines: []string{say("did what you said"), resultLine}},
		},
		func(n int, ctx context.Context, _ director.Request) (director.Decision, error) {
			if n == 1 {
				<-ctx.Done()
				return director.Decision{Kind: director.Instruct, Instruction: "director says"}, nil
			}
			return director.Decision{Kind: director.Stop}, nil
		},
		"human says")

	done := h.start(context.Background())
	waitState(t, h.states, StateAwaitingDecision)
	h.loop.Interrupts.Trigger("signal: interrupt")

	var err error
	select {
	case err = <-done:
	case <-time.After(15 * time.Second):
		t.Fatalf("loop did not finish:\n%s", h.out.String())
	}
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	specs := h.launcher.launched()
	if len(specs) != 2 {
		t.Fatalf("launched %d workers, want 2", len(specs))
	}
	if got := lastArgs(specs[1], 3); got != "--resume sess-1 human says" {
		t.Fatalf("second launch args tail = %q", got)
	}
	for _, ev := range instructions(h.loop.Transcript) {
		if ev.Payload.Text == "director says" {
			t.Fatal("stale director instruction reached the worker")
		}
	}
	if got := h.calls.Load(); got != 2 {
		t.Fatalf("director called %d times, want 2", got)
	}
}

func TestInterruptStopsRunningWorker(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive, Task: "task"},
		[]fakeRun{{lines: []string{say("working")}, block: true}},
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{Kind: director.Instruct, Instruction: "never sent"}, nil
		},
		"/quit")

	done := h.start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for h.loop.Transcript.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.loop.Interrupts.Trigger("signal: interrupt")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("loop did not finish:\n%s", h.out.String())
	}
	if cur := h.loop.Worker.Current(); cur == nil || !errors.Is(cur.Err(), worker.ErrInterrupted) {
		t.Fatalf("worker not interrupted: %+v", cur)
	}
	if got := h.calls.Load(); got != 0 {
		t.Fatalf("director consulted %d times after interrupt", got)
	}
}

func TestDirectorUnavailableSuspends(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive, Task: "task", DirectorRetries: 3},
		nil,
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{}, &director.UnavailableError{Backend: "stub", Err: errors.New("boom")}
		},
		"/quit")

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.calls.Load(); got != 3 {
		t.Fatalf("director called %d times, want 3", got)
	}
	out := h.out.String()
	if !strings.Contains(out, "Director unavailable after 3 attempts") || !strings.Contains(out, `last instruction: "task"`) {
		t.Fatalf("missing failure report:\n%s", out)
	}
	if len(h.errs) != 1 || !errors.Is(h.errs[0], director.ErrUnavailable) {
		t.Fatalf("reported errors = %v", h.errs)
	}
}

func TestCrashSuspendsAndRecordsError(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive, Task: "task"},
		[]fakeRun{{lines: []string{say("half done")}, exit: errors.New("exit status 1")}},
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{Kind: director.Instruct, Instruction: "x"}, nil
		},
		"/quit")

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var crashed bool
	for _, ev := range h.loop.Transcript.Snapshot() {
		if ev.Kind == stream.KindError && strings.Contains(ev.Payload.Text, "worker crashed") {
			crashed = true
		}
	}
	if !crashed {
		t.Fatalf("no crash marker in transcript: %+v", h.loop.Transcript.Snapshot())
	}
	if got := h.calls.Load(); got != 0 {
		t.Fatalf("director consulted %d times after a crash", got)
	}
	if len(h.errs) == 0 || !errors.Is(h.errs[0], worker.ErrWorkerCrashed) {
		t.Fatalf("reported errors = %v", h.errs)
	}
}

func TestIncompleteTurnSuspends(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive, Task: "task"},
		[]fakeRun{{lines: []string{toolLine}}},
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{Kind: director.Instruct, Instruction: "x"}, nil
		},
		"/quit")

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(h.out.String(), "middle of a tool call") {
		t.Fatalf("missing incomplete-turn notice:\n%s", h.out.String())
	}
	if got := h.calls.Load(); got != 0 {
		t.Fatalf("director consulted %d times", got)
	}
}

func TestInteractiveStartsIdle(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Interactive},
		nil,
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{Kind: director.Stop}, nil
		},
		"build a thing")

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first := <-h.states; first != StateIdle {
		t.Fatalf("first state = %s, want idle", first)
	}
	specs := h.launcher.launched()
	if len(specs) != 1 || lastArgs(specs[0], 1) != "build a thing" {
		t.Fatalf("launches = %+v", specs)
	}
	if h.loop.Task != "build a thing" {
		t.Fatalf("task = %q", h.loop.Task)
	}
}

func TestAutoWithoutTaskReprompts(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Interactive}, nil, nil, "/auto", "/quit")
	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(h.out.String(), "Nothing to drive yet") {
		t.Fatalf("missing notice:\n%s", h.out.String())
	}
	if len(h.launcher.launched()) != 0 {
		t.Fatal("worker launched")
	}
}

func TestStayGivesManualControl(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Interactive},
		nil,
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{Kind: director.Instruct, Instruction: "should not happen"}, nil
		},
		"/stay", "do it by hand", "/quit")

	if err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.calls.Load(); got != 0 {
		t.Fatalf("director consulted %d times in manual mode", got)
	}
	specs := h.launcher.launched()
	if len(specs) != 1 || lastArgs(specs[0], 1) != "do it by hand" {
		t.Fatalf("launches = %+v", specs)
	}
	instr := instructions(h.loop.Transcript)
	if len(instr) != 1 || instr[0].Payload.Source != stream.SourceHuman {
		t.Fatalf("instructions = %+v", instr)
	}
}

func TestWatchChimesIntoSession(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	h := newHarness(t, Config{Mode: mode.Watch, IdleTimeout: 20 * time.Millisecond},
		nil,
		func(_ int, _ context.Context, req director.Request) (director.Decision, error) {
			if req.Mode != mode.Watch {
				return director.Decision{}, fmt.Errorf("mode = %s", req.Mode)
			}
			return director.Decision{Kind: director.Instruct, Instruction: "try the other approach"}, nil
		})
	h.loop.Discover = func() (tail.SessionFile, error) {
		return tail.SessionFile{ID: "watched-1", Path: "watched-1.jsonl"}, nil
	}
	h.loop.Follow = func(path string) tail.Source { return tail.ReaderSource(path, pr) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := h.start(ctx)

	go fmt.Fprintln(pw, sayEndTurn("I am stuck on the parser"))

	deadline := time.Now().Add(10 * time.Second)
	for len(h.launcher.launched()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}

	specs := h.launcher.launched()
	if len(specs) != 1 {
		t.Fatalf("launched %d workers, want 1", len(specs))
	}
	if got := lastArgs(specs[0], 3); got != "--resume watched-1 try the other approach" {
		t.Fatalf("chime args tail = %q", got)
	}
	if specs[0].Stdout == nil {
		t.Fatal("chime worker output was bound to the transcript")
	}
}

func TestPassiveNeverConsultsDirector(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Passive, Rediscover: 2, DiscoverInterval: 5 * time.Millisecond},
		nil,
		func(int, context.Context, director.Request) (director.Decision, error) {
			return director.Decision{Kind: director.Instruct, Instruction: "x"}, nil
		})
	var found atomic.Int32
	h.loop.Discover = func() (tail.SessionFile, error) {
		if found.Add(1) == 1 {
			return tail.SessionFile{ID: "s", Path: "s.jsonl"}, nil
		}
		return tail.SessionFile{}, tail.ErrNoSession
	}
	lines := strings.Join([]string{initLine, sayEndTurn("hello"), resultLine}, "\n") + "\n"
	h.loop.Follow = func(path string) tail.Source {
		return tail.ReaderSource(path, strings.NewReader(lines))
	}

	err := h.run(t, context.Background())
	if !errors.Is(err, ErrSourceGone) {
		t.Fatalf("Run err = %v, want ErrSourceGone", err)
	}
	if got := h.calls.Load(); got != 0 {
		t.Fatalf("director consulted %d times in passive mode", got)
	}
	if len(h.launcher.launched()) != 0 {
		t.Fatal("passive mode launched a worker")
	}
	if n := h.loop.Transcript.Len(); n != 3 {
		t.Fatalf("transcript has %d events, want 3", n)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, Config{Mode: mode.Drive, Task: "t"}, nil, nil)
	s := h.loop.Snapshot()
	if s.Mode != mode.Drive || s.Interrupt != "running" || s.Turns != 0 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	if retryDelay(time.Second, 1) != time.Second || retryDelay(time.Second, 3) != 4*time.Second {
		t.Fatal("unexpected backoff")
	}
}
