package stream

import (
	"bytes"
	"strings"
	"testing"
)

func renderAll(t *testing.T, input string) string {
	t.Helper()
	var buf bytes.Buffer
	d := NewDisplay(&buf)
	for _, ev := range collect(t, input) {
		if ev.Err != nil {
			t.Fatalf("parse error: %v", ev.Err)
		}
		d.Handle(ev.Event)
	}
	return buf.String()
}

func TestDisplayHandle(t *testing.T) {
	output := renderAll(t, testNDJSON)

	for _, want := range []string{"[init]", "session=abc123", "[claude] Hello, world!", "[done]", "cost=$0.0800", "turns=3"} {
		if !strings.Contains(output, want) {
			t.Errorf("display output missing %q, got:\n%s", want, output)
		}
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("non-terminal writer got escape codes:\n%q", output)
	}
}

func TestDisplayToolUse(t *testing.T) {
	output := renderAll(t, testNDJSONWithTools)

	for _, want := range []string{"[tool] Bash", `{"command":"ls"}`, "[result] a.go b.go", "Done."} {
		if !strings.Contains(output, want) {
			t.Errorf("display output missing %q, got:\n%s", want, output)
		}
	}
}

func TestDisplayTruncatesToolInput(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(&buf)
	long := `{"command":"` + strings.Repeat("x", 400) + `"}`
	d.Handle(Event{Kind: KindToolInvocation, Payload: Payload{ToolCalls: []ToolCall{{Name: "Bash", Input: []byte(long)}}}})

	out := buf.String()
	if !strings.Contains(out, "...") {
		t.Fatalf("expected truncated input, got %q", out)
	}
	if len(out) > toolInputPreview+40 {
		t.Fatalf("line too long (%d): %q", len(out), out)
	}
}

func TestDisplayInstructionTags(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(&buf)
	d.Instruction(SourceTask, "build it")
	d.Instruction(SourceDirector, "add tests")
	d.Handle(NewInstruction(SourceHuman, "stop that"))
	d.Handle(NewError("worker crashed"))

	out := buf.String()
	for _, want := range []string{"[cook] build it", "[cook:auto] add tests", "[you] stop that", "[error] worker crashed"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestDisplayBanner(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(&buf)
	d.Banner("LET THEM COOK - Drive Mode", "Model: opus", "Press Ctrl+C to take over")

	out := buf.String()
	if !strings.Contains(out, "  LET THEM COOK - Drive Mode\n") || !strings.Contains(out, "  Press Ctrl+C to take over\n") {
		t.Fatalf("banner = %q", out)
	}
}

func TestCompactWhitespace(t *testing.T) {
	if got := compactWhitespace("a \n\t b\r\nc"); got != "a b c" {
		t.Fatalf("compactWhitespace = %q", got)
	}
}
