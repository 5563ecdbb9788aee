// Package tail reads the worker's output as it is produced, from a live
// process pipe or from a growing session log, and is the single writer that
// turns those lines into sequenced transcript Events.
package tail

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/eventq"
	"github.com/agusx1211/letthemcook/internal/stream"
)

// Appender is the transcript side of the tailer.
type Appender interface {
	Append(stream.Event) error
}

// Stats counts what the tailer has seen.
type Stats struct {
	Appended  uint64
	Malformed uint64
	Sources   uint64
	Lost      uint64
}

// item is one unit on the ordered queue: either a raw line from a source or a
// synthetic Event recorded by the loop.
type item struct {
	raw     []byte
	source  string
	ev      *stream.Event
	barrier chan struct{}
}

// Tailer serializes every line from every attached source, plus recorded
// Events, into one strictly increasing sequence.
type Tailer struct {
	out Appender
	now func() time.Time

	// OnMalformed, if set, is called from the Run goroutine for each skipped line.
	OnMalformed func(raw []byte, err error)

	in chan item

	mu   sync.Mutex
	subs []chan stream.Event
	done bool

	seq       uint64
	appended  atomic.Uint64
	malformed atomic.Uint64
	sources   atomic.Uint64
	lost      atomic.Uint64
}

// New returns a Tailer that appends to out. Call Run to start it.
func New(out Appender) *Tailer {
	return &Tailer{
		out: out,
		now: time.Now,
		in:  make(chan item, 256),
	}
}

// Subscribe returns a channel that receives every appended Event in order.
// Delivery is lossless: Run blocks on a full subscriber. The channel is
// closed when Run returns.
func (t *Tailer) Subscribe(buffer int) <-chan stream.Event {
	ch := make(chan stream.Event, max(buffer, 1))
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

// Attach starts reading src. Its lines join the ordered queue behind
// everything already queued. The returned channel yields the source's final
// error (nil for a clean end) once every line it produced has been queued.
// A lost source also queues exactly one terminal error Event.
func (t *Tailer) Attach(ctx context.Context, src Source) <-chan error {
	done := make(chan error, 1)
	t.sources.Add(1)
	name := src.Name()
	debug.LogKV("tail", "source attached", "source", name)

	go func() {
		err := src.Stream(ctx, func(line []byte) bool {
			return eventq.Send(ctx, t.in, item{raw: line, source: name})
		})
		if errors.Is(err, ErrSourceLost) {
			t.lost.Add(1)
			debug.LogKV("tail", "source lost", "source", name, "error", err)
			ev := stream.NewError(err.Error())
			eventq.Send(ctx, t.in, item{ev: &ev, source: name})
		} else {
			debug.LogKV("tail", "source ended", "source", name, "error", err)
		}
		done <- err
		close(done)
	}()
	return done
}

// Record queues a synthetic Event (an instruction or an error marker) in the
// same order as source lines. It returns false if ctx ends first.
func (t *Tailer) Record(ctx context.Context, ev stream.Event) bool {
	return eventq.Send(ctx, t.in, item{ev: &ev, source: "record"})
}

// Flush waits until everything queued before the call has been appended and
// handed to every subscriber channel.
func (t *Tailer) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !eventq.Send(ctx, t.in, item{barrier: barrier}) {
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run stamps, appends and publishes queued items until ctx is done.
func (t *Tailer) Run(ctx context.Context) error {
	defer t.closeSubscribers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-t.in:
			if !t.process(ctx, it) {
				return ctx.Err()
			}
		}
	}
}

func (t *Tailer) process(ctx context.Context, it item) bool {
	if it.barrier != nil {
		close(it.barrier)
		return true
	}
	var ev stream.Event
	if it.ev != nil {
		ev = *it.ev
	} else {
		parsed, err := stream.ParseLine(it.raw)
		if err != nil {
			t.malformed.Add(1)
			debug.LogKV("tail", "malformed line skipped", "source", it.source, "error", err)
			if t.OnMalformed != nil {
				t.OnMalformed(it.raw, err)
			}
			return true
		}
		ev = parsed
	}

	t.seq++
	ev.Seq = t.seq
	ev.Time = t.now()
	if err := t.out.Append(ev); err != nil {
		debug.LogKV("tail", "append failed", "seq", ev.Seq, "kind", ev.Kind, "error", err)
		return true
	}
	t.appended.Add(1)

	t.mu.Lock()
	subs := append([]chan stream.Event(nil), t.subs...)
	t.mu.Unlock()
	for _, sub := range subs {
		if !eventq.Send(ctx, sub, ev) {
			return false
		}
	}
	return true
}

func (t *Tailer) closeSubscribers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	for _, sub := range t.subs {
		close(sub)
	}
	t.subs = nil
}

// Stats returns a snapshot of the counters.
func (t *Tailer) Stats() Stats {
	return Stats{
		Appended:  t.appended.Load(),
		Malformed: t.malformed.Load(),
		Sources:   t.sources.Load(),
		Lost:      t.lost.Load(),
	}
}
