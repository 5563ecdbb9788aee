// Package transcript holds the append-only, ordered record of every Event in
// one session. The tailer is its only writer; everything else reads bounded
// snapshots taken with Window.
package transcript

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/stream"
)

// DefaultCap bounds every View handed to the director.
const DefaultCap = 200

var (
	// ErrOutOfOrder is returned when an Event does not carry a sequence
	// number strictly greater than the last appended one.
	ErrOutOfOrder = errors.New("transcript: event out of order")
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("transcript: closed")
)

// Sink receives every appended Event, typically for persistence.
type Sink interface {
	WriteEvent(transcriptID string, ev stream.Event) error
	Flush(transcriptID string) error
}

// Transcript is safe for one writer and any number of readers.
type Transcript struct {
	id  string
	cap int

	mu      sync.RWMutex
	events  []stream.Event
	lastSeq uint64
	closed  bool

	sink       Sink
	sinkErrors int

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Transcript.
type Option func(*Transcript)

// WithSink mirrors every appended Event into s.
func WithSink(s Sink) Option {
	return func(t *Transcript) { t.sink = s }
}

// WithCap overrides DefaultCap.
func WithCap(n int) Option {
	return func(t *Transcript) {
		if n > 0 {
			t.cap = n
		}
	}
}

// New returns an empty transcript with the given identity.
func New(id string, opts ...Option) *Transcript {
	t := &Transcript{id: id, cap: DefaultCap}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the session identity this transcript represents.
func (t *Transcript) ID() string { return t.id }

// Append adds ev at the end. Sequence numbers must strictly increase.
func (t *Transcript) Append(ev stream.Event) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if ev.Seq <= t.lastSeq {
		last := t.lastSeq
		t.mu.Unlock()
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, ev.Seq, last)
	}
	t.events = append(t.events, ev)
	t.lastSeq = ev.Seq
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		if err := sink.WriteEvent(t.id, ev); err != nil {
			t.mu.Lock()
			t.sinkErrors++
			t.mu.Unlock()
			debug.LogKV("transcript", "sink write failed", "transcript", t.id, "seq", ev.Seq, "error", err)
		}
	}
	return nil
}

// Len returns the number of appended Events.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}

// Last returns the most recent Event.
func (t *Transcript) Last() (stream.Event, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.events) == 0 {
		return stream.Event{}, false
	}
	return t.events[len(t.events)-1], true
}

// Snapshot returns a copy of every Event.
func (t *Transcript) Snapshot() []stream.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]stream.Event, len(t.events))
	copy(out, t.events)
	return out
}

// Limits selects the context window. Zero fields mean "no limit"; the
// transcript cap always applies.
type Limits struct {
	MaxEvents int
	MaxTurns  int
}

// Window returns an immutable snapshot of the most recent Events allowed by
// lim. The copy never exceeds the transcript cap.
func (t *Transcript) Window(lim Limits) View {
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := 0
	if lim.MaxTurns > 0 {
		start = turnStart(t.events, lim.MaxTurns)
	}
	if lim.MaxEvents > 0 && len(t.events)-start > lim.MaxEvents {
		start = len(t.events) - lim.MaxEvents
	}
	if len(t.events)-start > t.cap {
		start = len(t.events) - t.cap
	}

	events := make([]stream.Event, len(t.events)-start)
	copy(events, t.events[start:])
	return View{ID: t.id, Events: events}
}

// turnStart returns the index of the boundary Event that opens the n-th most
// recent turn, or 0 when there are fewer turns.
func turnStart(events []stream.Event, n int) int {
	seen := 0
	for i := len(events) - 1; i >= 0; i-- {
		if opensTurn(events, i) {
			seen++
			if seen == n {
				return i
			}
		}
	}
	return 0
}

// opensTurn reports whether events[i] starts a turn: an instruction, a human
// prompt read from a session file, or a session-init that does not directly
// follow the instruction that caused it.
func opensTurn(events []stream.Event, i int) bool {
	ev := events[i]
	switch ev.Kind {
	case stream.KindInstruction:
		return true
	case stream.KindAgentMessage:
		return ev.Payload.Role == "user" && !ev.Payload.Generic && ev.Payload.Text != ""
	case stream.KindSessionInit:
		return i == 0 || events[i-1].Kind != stream.KindInstruction
	}
	return false
}

// Close flushes the sink exactly once. Later Appends fail with ErrClosed.
func (t *Transcript) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		sink := t.sink
		n, sinkErrors := len(t.events), t.sinkErrors
		t.mu.Unlock()
		if sink != nil {
			t.closeErr = sink.Flush(t.id)
		}
		debug.LogKV("transcript", "closed", "transcript", t.id, "events", n, "sink_errors", sinkErrors)
	})
	return t.closeErr
}
