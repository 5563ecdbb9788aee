// Package recording captures the raw I/O of every worker process: the prompt
// handed to it, each stdout line, stderr, and launch metadata.
package recording

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/store"
)

// Sink persists recording chunks. *store.Store implements it.
type Sink interface {
	AppendRecordingEvent(sessionID string, turn int, ev store.RecordingEvent) error
}

// Recorder captures all I/O events of a session. Chunks are tagged with the
// current turn, which the loop advances with SetTurn.
type Recorder struct {
	SessionID string
	Sink      Sink

	mu     sync.Mutex
	turn   int
	events []store.RecordingEvent
	failed int
}

// New creates a Recorder. sink may be nil, in which case chunks are only kept
// in memory.
func New(sessionID string, sink Sink) *Recorder {
	return &Recorder{SessionID: sessionID, Sink: sink}
}

// SetTurn tags subsequent chunks with turn.
func (r *Recorder) SetTurn(turn int) {
	r.mu.Lock()
	r.turn = turn
	r.mu.Unlock()
}

// Turn returns the current turn tag.
func (r *Recorder) Turn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turn
}

func (r *Recorder) RecordStdout(data string) { r.record("stdout", data) }

func (r *Recorder) RecordStderr(data string) { r.record("stderr", data) }

// RecordStdin records the prompt or instruction handed to the worker.
func (r *Recorder) RecordStdin(data string) { r.record("stdin", data) }

// RecordMeta records a metadata key-value pair as a "meta" event.
// The data is stored as "key=value".
func (r *Recorder) RecordMeta(key, value string) {
	r.record("meta", key+"="+value)
}

// StreamType tags chunks of the worker's stream-json output.
const StreamType = "worker_stream"

// RecordStream records a raw NDJSON line of the worker's stream-json output.
// Stored chunks keep their newline so a turn's chunks concatenate back into
// the original stream.
func (r *Recorder) RecordStream(rawJSON string) {
	if !strings.HasSuffix(rawJSON, "\n") {
		rawJSON += "\n"
	}
	r.record(StreamType, rawJSON)
}

func (r *Recorder) record(eventType, data string) {
	event := store.RecordingEvent{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Data:      data,
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	turn := r.turn
	r.mu.Unlock()

	if r.Sink == nil {
		return
	}
	// Persistence failures never interrupt the running worker.
	if err := r.Sink.AppendRecordingEvent(r.SessionID, turn, event); err != nil {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		debug.LogKV("recording", "append failed", "session", r.SessionID, "turn", turn, "type", eventType, "error", err)
	}
}

// Events returns a snapshot of all recorded events.
func (r *Recorder) Events() []store.RecordingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]store.RecordingEvent, len(r.events))
	copy(cp, r.events)
	return cp
}

// Failed returns how many chunks the sink rejected.
func (r *Recorder) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// WrapWriter returns an io.Writer that writes to w and records every write as
// an event of eventType. w may be nil.
func (r *Recorder) WrapWriter(w io.Writer, eventType string) io.Writer {
	return &recordingWriter{
		recorder:  r,
		inner:     w,
		eventType: eventType,
	}
}

type recordingWriter struct {
	recorder  *Recorder
	inner     io.Writer
	eventType string
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	rw.recorder.record(rw.eventType, string(p))
	if rw.inner != nil {
		return rw.inner.Write(p)
	}
	return len(p), nil
}
