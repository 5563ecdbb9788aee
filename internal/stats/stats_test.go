package stats

import (
	"testing"
	"time"

	"github.com/agusx1211/letthemcook/internal/stream"
)

func sample() []stream.Event {
	return []stream.Event{
		stream.NewInstruction(stream.SourceTask, "fix the build"),
		{Kind: stream.KindAgentMessage, Payload: stream.Payload{Role: "assistant", Text: "Looking."}},
		{Kind: stream.KindToolInvocation, Payload: stream.Payload{ToolCalls: []stream.ToolCall{{Name: "Bash"}, {Name: "Read"}}}},
		{Kind: stream.KindToolInvocation, Payload: stream.Payload{ToolCalls: []stream.ToolCall{{Name: "Bash"}}}},
		{Kind: stream.KindTurnComplete, Payload: stream.Payload{Subtype: "success", CostUSD: 0.25, DurationMS: 61000}},
		stream.NewInstruction(stream.SourceDirector, "run the tests"),
		{Kind: stream.KindAgentMessage, Payload: stream.Payload{Role: "user", Text: "ignored"}},
		{Kind: stream.KindTurnComplete, Payload: stream.Payload{Subtype: "error_during_execution", IsError: true, CostUSD: 0.5, DurationMS: 1500}},
	}
}

func TestFromEvents(t *testing.T) {
	m := FromEvents(sample())
	if m.Turns != 2 || m.FailedTurns != 1 || m.Messages != 1 {
		t.Fatalf("turns/failed/messages = %d/%d/%d", m.Turns, m.FailedTurns, m.Messages)
	}
	if m.Instructions[stream.SourceTask] != 1 || m.Instructions[stream.SourceDirector] != 1 {
		t.Fatalf("instructions = %v", m.Instructions)
	}
	if m.ToolCalls["Bash"] != 2 || m.TotalToolCalls() != 3 {
		t.Fatalf("tool calls = %v", m.ToolCalls)
	}
	if m.CostUSD != 0.75 || m.Duration != 62500*time.Millisecond {
		t.Fatalf("cost/duration = %v/%s", m.CostUSD, m.Duration)
	}
}

func TestTopTools(t *testing.T) {
	m := Metrics{ToolCalls: map[string]int{"Read": 2, "Bash": 2, "Edit": 5}}
	got := m.TopTools(2)
	if len(got) != 2 || got[0] != (ToolCount{"Edit", 5}) || got[1] != (ToolCount{"Bash", 2}) {
		t.Fatalf("TopTools(2) = %v", got)
	}
	if len(m.TopTools(-1)) != 3 {
		t.Fatal("TopTools(-1) should return everything")
	}
}

func TestSummary(t *testing.T) {
	if got, want := FromEvents(sample()).Summary(), "2 turns (1 failed), 3 tool calls, $0.75, 1m3s"; got != want {
		t.Fatalf("Summary() = %q, want %q", got, want)
	}
	if got := FromEvents(nil).Summary(); got != "0 turns, 0 tool calls" {
		t.Fatalf("empty Summary() = %q", got)
	}
}
