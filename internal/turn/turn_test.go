package turn

import (
	"errors"
	"testing"
	"time"

	"github.com/agusx1211/letthemcook/internal/stream"
)

func ev(seq uint64, kind stream.Kind, p stream.Payload) stream.Event {
	return stream.Event{Seq: seq, Kind: kind, Payload: p}
}

func TestCompletedOnce(t *testing.T) {
	d := New(Options{IdleTimeout: time.Hour})
	defer d.Stop()

	id := d.Begin("task")
	if _, ok := d.Observe(ev(1, stream.KindSessionInit, stream.Payload{})); ok {
		t.Fatal("init closed the turn")
	}
	if _, ok := d.Observe(ev(2, stream.KindAgentMessage, stream.Payload{Role: "assistant", Text: "hi"})); ok {
		t.Fatal("message closed the turn")
	}
	sig, ok := d.Observe(ev(3, stream.KindTurnComplete, stream.Payload{}))
	if !ok {
		t.Fatal("turn-complete did not close the turn")
	}
	if sig.TurnID != id || sig.Reason != ReasonCompleted || sig.Last.Seq != 3 || sig.Err != nil {
		t.Fatalf("signal = %+v", sig)
	}

	// A second terminal marker for the same turn is ignored.
	if _, ok := d.Observe(ev(4, stream.KindError, stream.Payload{Text: "late"})); ok {
		t.Fatal("second signal for the same turn")
	}
	if _, ok := d.ControlReturned(nil); ok {
		t.Fatal("ControlReturned signalled a closed turn")
	}
}

func TestErrorEventCloses(t *testing.T) {
	d := New(Options{})
	defer d.Stop()
	d.Begin("task")
	sig, ok := d.Observe(ev(1, stream.KindError, stream.Payload{Text: "overloaded"}))
	if !ok || sig.Reason != ReasonError || sig.Err == nil {
		t.Fatalf("signal = %+v ok=%v", sig, ok)
	}

	d.Begin("again")
	sig, ok = d.Observe(ev(2, stream.KindTurnComplete, stream.Payload{IsError: true, Subtype: "error_max_turns"}))
	if !ok || sig.Reason != ReasonError {
		t.Fatalf("error result signal = %+v ok=%v", sig, ok)
	}
}

func TestInstructionOpensNewTurn(t *testing.T) {
	d := New(Options{})
	defer d.Stop()
	d.Observe(ev(1, stream.KindInstruction, stream.Payload{Text: "a"}))
	first := d.TurnID()
	d.Observe(ev(2, stream.KindTurnComplete, stream.Payload{}))
	d.Observe(ev(3, stream.KindInstruction, stream.Payload{Text: "b"}))
	if d.TurnID() != first+1 || !d.Open() {
		t.Fatalf("turn id = %d open=%v", d.TurnID(), d.Open())
	}
	sig, ok := d.Observe(ev(4, stream.KindTurnComplete, stream.Payload{}))
	if !ok || sig.TurnID != first+1 {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestToolWithoutResultIsIncomplete(t *testing.T) {
	d := New(Options{})
	defer d.Stop()
	d.Begin("task")
	d.Observe(ev(1, stream.KindToolInvocation, stream.Payload{ToolCalls: []stream.ToolCall{{ID: "t1", Name: "Bash"}}}))

	exit := errors.New("signal: interrupt")
	sig, ok := d.ControlReturned(exit)
	if !ok {
		t.Fatal("expected incomplete signal")
	}
	if sig.Reason != ReasonIncomplete || !errors.Is(sig.Err, ErrIncompleteTurn) || !errors.Is(sig.Err, exit) {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestToolResultMatchesInvocation(t *testing.T) {
	d := New(Options{IdleTimeout: 20 * time.Millisecond})
	defer d.Stop()
	d.Begin("task")
	d.Observe(ev(1, stream.KindToolInvocation, stream.Payload{ToolCalls: []stream.ToolCall{{ID: "t1"}, {Name: "anon"}}}))
	d.Observe(ev(2, stream.KindToolResult, stream.Payload{ToolResults: []stream.ToolResult{{ToolUseID: "t1"}, {}}}))

	if _, ok := d.ControlReturned(nil); ok {
		t.Fatal("matched tools reported incomplete")
	}
	select {
	case sig := <-d.Idle():
		if sig.Reason != ReasonIdle {
			t.Fatalf("signal = %+v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle signal never fired")
	}
}

func TestEndTurnArmsIdleAndActivityResets(t *testing.T) {
	d := New(Options{IdleTimeout: 150 * time.Millisecond})
	defer d.Stop()

	d.Observe(ev(1, stream.KindAgentMessage, stream.Payload{Role: "user", Text: "do it"}))
	d.Observe(ev(2, stream.KindAgentMessage, stream.Payload{Role: "assistant", Text: "done", EndTurn: true}))
	time.Sleep(40 * time.Millisecond)
	d.Observe(ev(3, stream.KindAgentMessage, stream.Payload{Role: "system", Generic: true}))

	select {
	case <-d.Idle():
		t.Fatal("idle fired before the reset countdown elapsed")
	case <-time.After(90 * time.Millisecond):
	}
	select {
	case sig := <-d.Idle():
		if sig.Last.Seq != 3 {
			t.Fatalf("last seq = %d", sig.Last.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle signal never fired")
	}
}

func TestNewActivityDisarmsIdle(t *testing.T) {
	d := New(Options{IdleTimeout: 30 * time.Millisecond})
	defer d.Stop()
	d.Begin("task")
	d.Observe(ev(1, stream.KindAgentMessage, stream.Payload{Role: "assistant", Text: "x", EndTurn: true}))
	d.Observe(ev(2, stream.KindToolInvocation, stream.Payload{ToolCalls: []stream.ToolCall{{ID: "t"}}}))
	select {
	case sig := <-d.Idle():
		t.Fatalf("idle fired while a tool was running: %+v", sig)
	case <-time.After(100 * time.Millisecond):
	}
}
