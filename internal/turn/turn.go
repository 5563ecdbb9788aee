// Package turn decides, from the ordered Event stream, when the worker has
// finished a turn.
package turn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/stream"
)

// DefaultIdleTimeout is how long the detector waits for more output after the
// worker has returned control before it infers the turn is done.
const DefaultIdleTimeout = 3 * time.Second

// ErrIncompleteTurn is reported when control returns while a tool invocation
// still has no result.
var ErrIncompleteTurn = errors.New("turn: tool invocation without result")

// Reason says why a turn closed.
type Reason string

const (
	ReasonCompleted  Reason = "completed"
	ReasonError      Reason = "error"
	ReasonIdle       Reason = "idle"
	ReasonIncomplete Reason = "incomplete"
)

// Signal is emitted exactly once per turn.
type Signal struct {
	TurnID int
	Reason Reason
	Last   stream.Event
	Err    error
}

// Options configure a Detector.
type Options struct {
	IdleTimeout time.Duration
}

// Detector tracks the currently open turn. Observe and ControlReturned report
// their Signal synchronously; idle timeouts are reported on Idle().
type Detector struct {
	idle time.Duration

	mu        sync.Mutex
	turnID    int
	open      bool
	pending   map[string]bool
	anonCalls int
	last      stream.Event
	timer     *time.Timer
	armGen    uint64

	idleCh chan Signal
}

// New returns a Detector with no open turn.
func New(opts Options) *Detector {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Detector{
		idle:    idle,
		pending: make(map[string]bool),
		idleCh:  make(chan Signal, 8),
	}
}

// Idle delivers Signals produced by the idle timer.
func (d *Detector) Idle() <-chan Signal { return d.idleCh }

// TurnID returns the id of the current (or last) turn.
func (d *Detector) TurnID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turnID
}

// Open reports whether a turn is in progress.
func (d *Detector) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Begin opens a new turn and returns its id. An open turn is abandoned
// without a Signal; that only happens when a turn is forcibly interrupted.
func (d *Detector) Begin(reason string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.beginLocked(reason)
}

func (d *Detector) beginLocked(reason string) int {
	if d.open {
		debug.LogKV("turn", "open turn abandoned", "turn", d.turnID, "reason", reason)
	}
	d.disarmLocked()
	d.turnID++
	d.open = true
	d.pending = make(map[string]bool)
	d.anonCalls = 0
	debug.LogKV("turn", "turn begun", "turn", d.turnID, "reason", reason)
	return d.turnID
}

// Observe feeds the next Event. It returns a Signal the first time the open
// turn sees a terminal marker.
func (d *Detector) Observe(ev stream.Event) (Signal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case ev.Kind == stream.KindInstruction:
		d.beginLocked("instruction")
	case ev.Kind == stream.KindAgentMessage && ev.Payload.Role == "user" && !ev.Payload.Generic && ev.Payload.Text != "":
		d.beginLocked("human prompt")
	case !d.open && !ev.Kind.Terminal():
		d.beginLocked(string(ev.Kind))
	}
	if !d.open {
		// Terminal marker for a turn already closed.
		return Signal{}, false
	}
	d.last = ev

	switch ev.Kind {
	case stream.KindTurnComplete:
		if ev.Payload.IsError {
			return d.closeLocked(ReasonError, fmt.Errorf("turn: worker reported failure: %s", firstNonEmpty(ev.Payload.Subtype, ev.Payload.Text, "error"))), true
		}
		return d.closeLocked(ReasonCompleted, nil), true
	case stream.KindError:
		return d.closeLocked(ReasonError, fmt.Errorf("turn: %s", firstNonEmpty(ev.Payload.Text, "worker error"))), true
	case stream.KindToolInvocation:
		for _, call := range ev.Payload.ToolCalls {
			if call.ID != "" {
				d.pending[call.ID] = true
			} else {
				d.anonCalls++
			}
		}
		d.disarmLocked()
	case stream.KindToolResult:
		for _, res := range ev.Payload.ToolResults {
			if res.ToolUseID != "" && d.pending[res.ToolUseID] {
				delete(d.pending, res.ToolUseID)
			} else if d.anonCalls > 0 {
				d.anonCalls--
			}
		}
		d.resetLocked()
	case stream.KindAgentMessage:
		if ev.Payload.EndTurn {
			d.armLocked()
		} else if ev.Payload.Role == "assistant" && !ev.Payload.Generic {
			d.disarmLocked()
		} else {
			d.resetLocked()
		}
	default:
		d.resetLocked()
	}
	return Signal{}, false
}

// ControlReturned tells the detector the worker process has exited. If a tool
// invocation is still unanswered the turn closes as incomplete; otherwise the
// idle timer is armed.
func (d *Detector) ControlReturned(exitErr error) (Signal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return Signal{}, false
	}
	if n := len(d.pending) + d.anonCalls; n > 0 {
		err := fmt.Errorf("%w (%d pending)", ErrIncompleteTurn, n)
		if exitErr != nil {
			err = errors.Join(err, exitErr)
		}
		return d.closeLocked(ReasonIncomplete, err), true
	}
	d.armLocked()
	return Signal{}, false
}

func (d *Detector) closeLocked(reason Reason, err error) Signal {
	d.disarmLocked()
	d.open = false
	sig := Signal{TurnID: d.turnID, Reason: reason, Last: d.last, Err: err}
	debug.LogKV("turn", "turn closed", "turn", d.turnID, "reason", reason, "last_seq", d.last.Seq, "error", err)
	return sig
}

// armLocked starts (or restarts) the idle countdown.
func (d *Detector) armLocked() {
	d.disarmLocked()
	d.armGen++
	gen := d.armGen
	d.timer = time.AfterFunc(d.idle, func() { d.fireIdle(gen) })
}

// resetLocked restarts the countdown only if it is already running.
func (d *Detector) resetLocked() {
	if d.timer != nil {
		d.armLocked()
	}
}

func (d *Detector) disarmLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.armGen++
}

func (d *Detector) fireIdle(gen uint64) {
	d.mu.Lock()
	if gen != d.armGen || !d.open {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	sig := d.closeLocked(ReasonIdle, nil)
	d.mu.Unlock()
	d.idleCh <- sig
}

// Stop cancels any pending idle timer.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disarmLocked()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
