// Package interrupt owns the Running/Suspended flag. It is the only path into
// Suspended: a human Ctrl-C, or a programmatic Trigger when automatic driving
// has to hand over to the human.
package interrupt

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/eventq"
)

// State is the interrupt flag.
type State int

const (
	Running State = iota
	Suspended
)

func (s State) String() string {
	if s == Suspended {
		return "suspended"
	}
	return "running"
}

// ErrSlotFull is returned by Submit when a human message is already pending.
var ErrSlotFull = errors.New("interrupt: a message is already pending")

// Stopper asks the worker controller to stop the running worker
// cooperatively.
type Stopper interface {
	StopWorker(reason string)
}

// StopperFunc adapts a function to Stopper.
type StopperFunc func(reason string)

func (f StopperFunc) StopWorker(reason string) { f(reason) }

// Coordinator holds the interrupt state and the pending human message.
type Coordinator struct {
	stopper Stopper

	mu        sync.Mutex
	state     State
	reason    string
	suspended chan struct{}
	pending   *string

	// again receives a token for every interrupt delivered while already
	// suspended. A prompt treats it as a request to quit.
	again chan struct{}
}

// New returns a Running coordinator. stopper may be nil.
func New(stopper Stopper) *Coordinator {
	return &Coordinator{
		stopper:   stopper,
		suspended: make(chan struct{}),
		again:     make(chan struct{}, 1),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns why the current suspension happened.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Suspended returns a channel that is closed when the coordinator enters
// Suspended. Every Resume arms a fresh channel, so callers fetch it before
// starting the operation they race against it.
func (c *Coordinator) Suspended() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// Trigger suspends automatic driving and asks the worker to stop. It reports
// whether the state changed; a trigger while already suspended still stops
// the worker.
func (c *Coordinator) Trigger(reason string) bool {
	c.mu.Lock()
	changed := c.state == Running
	if changed {
		c.state = Suspended
		c.reason = reason
		close(c.suspended)
	}
	c.mu.Unlock()

	debug.LogKV("interrupt", "trigger", "reason", reason, "changed", changed)
	if !changed {
		eventq.Offer(c.again, struct{}{})
	}
	if c.stopper != nil {
		c.stopper.StopWorker(reason)
	}
	return changed
}

// IfRunning runs fn only while the coordinator is Running, holding the state
// lock for its duration, and reports whether it ran. A Trigger that races
// with fn takes effect after fn returns, so an instruction is either sent
// before the suspension or not at all.
func (c *Coordinator) IfRunning(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return false
	}
	fn()
	return true
}

// Listen turns every value received on sigs into a Trigger until ctx is done
// or sigs is closed.
func (c *Coordinator) Listen(ctx context.Context, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			c.Trigger("signal: " + sig.String())
		}
	}
}

// Submit places msg in the pending slot. The slot holds at most one message.
func (c *Coordinator) Submit(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return ErrSlotFull
	}
	c.pending = &msg
	return nil
}

// Take consumes the pending message without leaving Suspended. Manual
// control uses it to forward the human's messages one by one.
func (c *Coordinator) Take() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeLocked()
}

func (c *Coordinator) takeLocked() (string, bool) {
	if c.pending == nil {
		return "", false
	}
	msg := *c.pending
	c.pending = nil
	return msg, true
}

// Resume consumes the pending message, if any, and returns to Running.
func (c *Coordinator) Resume() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.takeLocked()
	if c.state == Suspended {
		c.state = Running
		c.reason = ""
		c.suspended = make(chan struct{})
	}
	debug.LogKV("interrupt", "resumed", "with_message", ok)
	return msg, ok
}
