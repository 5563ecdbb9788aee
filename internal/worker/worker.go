// Package worker launches and resumes the claude CLI, binds its stream-json
// output into the session tailer, and owns every signal sent to it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/recording"
	"github.com/agusx1211/letthemcook/internal/tail"
)

const (
	// DefaultCommand is the worker binary looked up on PATH.
	DefaultCommand = "claude"
	// DefaultInterruptGrace is how long an interrupted worker may take to
	// flush and exit before it is killed.
	DefaultInterruptGrace = 5 * time.Second

	stderrTailSize = 2048
)

var (
	// ErrWorkerCrashed is matched by every CrashError.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrInterrupted is the exit error of a worker stopped by Interrupt or
	// Terminate.
	ErrInterrupted = errors.New("worker interrupted")
	// ErrStillRunning is returned by Start and Resume while the previous
	// worker process has not exited.
	ErrStillRunning = errors.New("worker: previous process still running")
)

// CrashError reports a worker that failed to start or exited abnormally
// without being asked to.
type CrashError struct {
	ExitCode int
	Signal   string
	Stderr   string
	Err      error
}

func (e *CrashError) Error() string {
	var b strings.Builder
	b.WriteString("worker crashed")
	switch {
	case e.Signal != "":
		fmt.Fprintf(&b, " (signal %s)", e.Signal)
	case e.ExitCode >= 0:
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if e.Err != nil && e.ExitCode < 0 {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *CrashError) Is(target error) bool { return target == ErrWorkerCrashed }

func (e *CrashError) Unwrap() error { return e.Err }

// Attacher binds a line source into the transcript. *tail.Tailer implements it.
type Attacher interface {
	Attach(ctx context.Context, src tail.Source) <-chan error
}

// Controller is the only component that starts, resumes or stops the worker.
// At most one worker process runs at a time.
type Controller struct {
	Command string
	Model   string
	// Args are passed before the stream flags.
	Args    []string
	WorkDir string
	Env     map[string]string

	Tailer   Attacher
	Recorder *recording.Recorder
	Launcher Launcher

	// Stderr mirrors the worker's stderr. Nil only records it.
	Stderr io.Writer

	// InterruptGrace defaults to DefaultInterruptGrace.
	InterruptGrace time.Duration

	// Detached leaves the worker's stdout unbound. Used when the tailer is
	// already following the worker's session file.
	Detached bool

	mu       sync.Mutex
	current  *Handle
	launches int
}

// Handle is one worker process. A resumed worker gets a new Handle carrying
// the same session identity.
type Handle struct {
	// Launch numbers handles in start order, starting at 1. External
	// handles have Launch 0.
	Launch int

	proc Process
	done chan struct{}
	err  error

	mu        sync.Mutex
	sessionID string

	interrupted atomic.Bool
	stopOnce    sync.Once
	stderr      *tailBuffer
}

// External returns an already-exited handle for a session the worker CLI is
// running elsewhere. Resuming it continues that session.
func External(sessionID string) *Handle {
	h := &Handle{done: make(chan struct{}), sessionID: sessionID}
	close(h.done)
	return h
}

// Done is closed once the process has exited and its output has been drained
// into the tailer queue.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err classifies the exit: nil for a clean exit, ErrInterrupted, or a
// *CrashError. Only valid after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Running reports whether the process has not exited yet.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// SetSessionID records the worker's session id, learned from its
// session-init event.
func (h *Handle) SetSessionID(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	h.sessionID = id
	h.mu.Unlock()
}

func (h *Handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// Start spawns a fresh worker session with task. ctx bounds the lifetime of
// the process; cancelling it kills the process group.
func (c *Controller) Start(ctx context.Context, task string) (*Handle, error) {
	return c.launch(ctx, task, "", false)
}

// Resume continues the session of prev with instruction: --resume when the
// session id is known, --continue otherwise. prev may be nil, which continues
// the most recent session in the working directory.
func (c *Controller) Resume(ctx context.Context, prev *Handle, instruction string) (*Handle, error) {
	if prev != nil && prev.Running() {
		return nil, ErrStillRunning
	}
	sessionID := ""
	if prev != nil {
		sessionID = prev.SessionID()
	}
	return c.launch(ctx, instruction, sessionID, sessionID == "")
}

// Current returns the most recently launched handle, or nil.
func (c *Controller) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// BuildArgs returns the worker arguments for prompt.
func (c *Controller) BuildArgs(prompt, resumeID string, continueLast bool) []string {
	args := make([]string, 0, len(c.Args)+10)
	args = append(args, c.Args...)
	args = append(args, "--print")
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	args = append(args, "--dangerously-skip-permissions", "--output-format", "stream-json", "--verbose")
	switch {
	case resumeID != "":
		args = append(args, "--resume", resumeID)
	case continueLast:
		args = append(args, "--continue")
	}
	return append(args, prompt)
}

func (c *Controller) launch(ctx context.Context, prompt, resumeID string, continueLast bool) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Running() {
		return nil, ErrStillRunning
	}
	c.launches++

	cmdName := c.Command
	if cmdName == "" {
		cmdName = DefaultCommand
	}
	args := c.BuildArgs(prompt, resumeID, continueLast)
	h := &Handle{
		Launch:    c.launches,
		done:      make(chan struct{}),
		sessionID: resumeID,
		stderr:    &tailBuffer{max: stderrTailSize},
	}

	debug.LogKV("worker", "launching",
		"launch", h.Launch,
		"binary", cmdName,
		"args", strings.Join(args[:len(args)-1], " "),
		"workdir", c.WorkDir,
		"prompt_len", len(prompt),
		"resume_session", resumeID,
		"continue", continueLast,
		"detached", c.Detached,
	)
	if r := c.Recorder; r != nil {
		r.RecordMeta("command", cmdName+" "+strings.Join(args[:len(args)-1], " "))
		r.RecordMeta("workdir", c.WorkDir)
		r.RecordStdin(prompt)
	}

	stderr := []io.Writer{h.stderr}
	if c.Recorder != nil {
		stderr = append(stderr, c.Recorder.WrapWriter(c.Stderr, "stderr"))
	} else if c.Stderr != nil {
		stderr = append(stderr, c.Stderr)
	}
	spec := Spec{
		Command: cmdName,
		Args:    args,
		Dir:     c.WorkDir,
		Env:     c.environ(),
		Stderr:  io.MultiWriter(stderr...),
	}
	if c.Detached {
		spec.Stdout = io.Discard
		if c.Recorder != nil {
			spec.Stdout = c.Recorder.WrapWriter(nil, recording.StreamType)
		}
	}

	launcher := c.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	proc, err := launcher.Launch(ctx, spec)
	if err != nil {
		debug.LogKV("worker", "launch failed", "launch", h.Launch, "error", err)
		return nil, &CrashError{ExitCode: -1, Err: fmt.Errorf("start %s: %w", cmdName, err)}
	}
	h.proc = proc

	var drained <-chan error
	if !c.Detached && c.Tailer != nil && proc.Stdout() != nil {
		src := tail.ReaderSource(fmt.Sprintf("worker#%d", h.Launch), proc.Stdout())
		if c.Recorder != nil {
			src = recordingSource{Source: src, rec: c.Recorder}
		}
		drained = c.Tailer.Attach(ctx, src)
	}
	go h.wait(drained)

	c.current = h
	return h, nil
}

func (c *Controller) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

func (h *Handle) wait(drained <-chan error) {
	if drained != nil {
		if err := <-drained; err != nil {
			debug.LogKV("worker", "output source ended with error", "launch", h.Launch, "error", err)
		}
	}
	waitErr := h.proc.Wait()
	h.err = classify(waitErr, h.interrupted.Load(), h.stderr.String())
	debug.LogKV("worker", "exited", "launch", h.Launch, "wait_error", waitErr, "result", h.err)
	close(h.done)
}

func classify(waitErr error, interrupted bool, stderr string) error {
	if interrupted {
		if waitErr != nil {
			return fmt.Errorf("%w: %v", ErrInterrupted, waitErr)
		}
		return ErrInterrupted
	}
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return &CrashError{ExitCode: -1, Stderr: stderr, Err: waitErr}
	}
	ce := &CrashError{ExitCode: exitErr.ExitCode(), Stderr: stderr, Err: waitErr}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		ce.Signal = ws.Signal().String()
	}
	return ce
}

// Interrupt asks the worker to stop cooperatively with SIGINT so it can flush
// its output. It is killed if it has not exited after InterruptGrace.
// Interrupt does not wait for the exit; use Done.
func (c *Controller) Interrupt(h *Handle) error {
	if h == nil || h.proc == nil || !h.Running() {
		return nil
	}
	h.interrupted.Store(true)
	debug.LogKV("worker", "interrupt", "launch", h.Launch)
	if err := h.proc.Signal(syscall.SIGINT); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("interrupt worker: %w", err)
	}
	go c.escalate(h)
	return nil
}

// Terminate stops the worker (SIGTERM, then SIGKILL after the grace period)
// and waits for it to exit. Safe to call more than once.
func (c *Controller) Terminate(h *Handle) error {
	if h == nil || h.proc == nil {
		return nil
	}
	var err error
	h.stopOnce.Do(func() {
		if !h.Running() {
			return
		}
		h.interrupted.Store(true)
		debug.LogKV("worker", "terminate", "launch", h.Launch)
		if serr := h.proc.Signal(syscall.SIGTERM); serr != nil && !errors.Is(serr, os.ErrProcessDone) {
			err = fmt.Errorf("terminate worker: %w", serr)
		}
		c.escalate(h)
	})
	<-h.done
	return err
}

func (c *Controller) escalate(h *Handle) {
	grace := c.InterruptGrace
	if grace <= 0 {
		grace = DefaultInterruptGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		debug.LogKV("worker", "grace expired, killing", "launch", h.Launch, "grace", grace)
		_ = h.proc.Signal(syscall.SIGKILL)
	}
}

// recordingSource records every raw line before it is queued.
type recordingSource struct {
	tail.Source
	rec *recording.Recorder
}

func (s recordingSource) Stream(ctx context.Context, emit func([]byte) bool) error {
	return s.Source.Stream(ctx, func(line []byte) bool {
		s.rec.RecordStream(string(line))
		return emit(line)
	})
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
