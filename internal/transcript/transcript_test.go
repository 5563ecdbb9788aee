package transcript

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/agusx1211/letthemcook/internal/stream"
)

func seqEvents(kinds ...stream.Kind) []stream.Event {
	out := make([]stream.Event, len(kinds))
	for i, k := range kinds {
		out[i] = stream.Event{Seq: uint64(i + 1), Kind: k}
	}
	return out
}

func TestAppendRejectsNonIncreasingSeq(t *testing.T) {
	tr := New("s1")
	if err := tr.Append(stream.Event{Seq: 1, Kind: stream.KindSessionInit}); err != nil {
		t.Fatalf("Append(1): %v", err)
	}
	if err := tr.Append(stream.Event{Seq: 3, Kind: stream.KindAgentMessage}); err != nil {
		t.Fatalf("Append(3): %v", err)
	}
	for _, seq := range []uint64{3, 2, 0} {
		err := tr.Append(stream.Event{Seq: seq})
		if !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("Append(%d) err = %v, want ErrOutOfOrder", seq, err)
		}
	}
	if tr.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tr.Len())
	}
}

func TestWindowIsSnapshot(t *testing.T) {
	tr := New("s1")
	for _, ev := range seqEvents(stream.KindSessionInit, stream.KindAgentMessage) {
		_ = tr.Append(ev)
	}
	view := tr.Window(Limits{})
	_ = tr.Append(stream.Event{Seq: 3, Kind: stream.KindTurnComplete})

	if view.Len() != 2 {
		t.Fatalf("view changed after append: len %d", view.Len())
	}
	view.Events[0].Kind = stream.KindError
	if snap := tr.Snapshot(); snap[0].Kind != stream.KindSessionInit {
		t.Fatal("mutating a view leaked into the transcript")
	}
}

func TestWindowLimits(t *testing.T) {
	tr := New("s1", WithCap(5))
	kinds := []stream.Kind{
		stream.KindInstruction, stream.KindSessionInit, stream.KindAgentMessage, stream.KindTurnComplete,
		stream.KindInstruction, stream.KindSessionInit, stream.KindToolInvocation, stream.KindToolResult, stream.KindTurnComplete,
		stream.KindInstruction, stream.KindAgentMessage,
	}
	for _, ev := range seqEvents(kinds...) {
		if err := tr.Append(ev); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		lim      Limits
		firstSeq uint64
		n        int
	}{
		{"cap only", Limits{}, 7, 5},
		{"max events", Limits{MaxEvents: 3}, 9, 3},
		{"last turn", Limits{MaxTurns: 1}, 10, 2},
		{"two turns capped", Limits{MaxTurns: 2}, 7, 5},
		{"more turns than exist", Limits{MaxTurns: 10, MaxEvents: 4}, 8, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tr.Window(tt.lim)
			if v.Len() != tt.n {
				t.Fatalf("len = %d, want %d", v.Len(), tt.n)
			}
			if v.Events[0].Seq != tt.firstSeq {
				t.Fatalf("first seq = %d, want %d", v.Events[0].Seq, tt.firstSeq)
			}
		})
	}
}

type memSink struct {
	mu      sync.Mutex
	events  []stream.Event
	flushes int
	fail    bool
}

func (s *memSink) WriteEvent(_ string, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) Flush(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func TestSinkMirrorsAndFlushesOnce(t *testing.T) {
	sink := &memSink{}
	tr := New("s1", WithSink(sink))
	for _, ev := range seqEvents(stream.KindSessionInit, stream.KindTurnComplete) {
		_ = tr.Append(ev)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sink.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", sink.flushes)
	}
	if len(sink.events) != 2 {
		t.Fatalf("sink events = %d, want 2", len(sink.events))
	}
	if err := tr.Append(stream.Event{Seq: 9}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close err = %v, want ErrClosed", err)
	}
}

func TestSinkFailureDoesNotLoseEvent(t *testing.T) {
	tr := New("s1", WithSink(&memSink{fail: true}))
	if err := tr.Append(stream.Event{Seq: 1, Kind: stream.KindAgentMessage}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if tr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tr.Len())
	}
}

func sampleView() View {
	return View{ID: "s1", Events: []stream.Event{
		{Seq: 1, Kind: stream.KindInstruction, Payload: stream.Payload{Text: "fix the build", Source: stream.SourceTask}},
		{Seq: 2, Kind: stream.KindSessionInit, Payload: stream.Payload{Model: "opus"}},
		{Seq: 3, Kind: stream.KindToolInvocation, Payload: stream.Payload{Text: "Checking.", ToolCalls: []stream.ToolCall{{Name: "Bash", Input: []byte(`{"command":"go build"}`)}}}},
		{Seq: 4, Kind: stream.KindToolResult, Payload: stream.Payload{ToolResults: []stream.ToolResult{{Text: "ok"}}}},
		{Seq: 5, Kind: stream.KindAgentMessage, Payload: stream.Payload{Role: "assistant", Text: "Build fixed."}},
		{Seq: 6, Kind: stream.KindAgentMessage, Payload: stream.Payload{Role: "system", Generic: true}},
		{Seq: 7, Kind: stream.KindTurnComplete, Payload: stream.Payload{Text: "Build fixed."}},
	}}
}

func TestRenderDeterministic(t *testing.T) {
	want := strings.Join([]string{
		"USER: fix the build",
		"SYSTEM: session started (model opus)",
		"ASSISTANT: Checking.",
		`TOOL: Bash {"command":"go build"}`,
		"RESULT: ok",
		"ASSISTANT: Build fixed.",
		"SYSTEM: turn complete",
		"",
	}, "\n")
	v := sampleView()
	if got := v.Render(); got != want {
		t.Fatalf("Render =\n%s\nwant\n%s", got, want)
	}
	if v.Render() != v.Render() {
		t.Fatal("Render is not deterministic")
	}
}

func TestRenderTruncates(t *testing.T) {
	v := View{Events: []stream.Event{{Seq: 1, Kind: stream.KindToolResult, Payload: stream.Payload{
		ToolResults: []stream.ToolResult{{Text: strings.Repeat("y", 1000), IsError: true}},
	}}}}
	got := v.Render()
	if !strings.HasPrefix(got, "RESULT (error): ") || !strings.HasSuffix(got, "...\n") {
		t.Fatalf("Render = %q", got)
	}
	if len(got) > resultLimit+len("RESULT (error): \n") {
		t.Fatalf("result not truncated: %d bytes", len(got))
	}
}

func TestMessagesAndLastAssistantText(t *testing.T) {
	v := sampleView()
	msgs := v.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "fix the build" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Checking.\n[tool: Bash]" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if got := v.LastAssistantText(); got != "Build fixed." {
		t.Errorf("LastAssistantText = %q", got)
	}
	if got := (View{}).LastAssistantText(); got != "" {
		t.Errorf("empty LastAssistantText = %q", got)
	}
}
