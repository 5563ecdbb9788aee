package transcript

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/letthemcook/internal/stream"
)

// Per-role truncation used by Render and Messages.
const (
	userLimit      = 500
	assistantLimit = 1000
	toolLimit      = 200
	resultLimit    = 300
)

// View is an immutable snapshot of part of a Transcript.
type View struct {
	ID     string
	Events []stream.Event
}

// Message is one conversational message extracted from a View.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Len returns the number of Events in the view.
func (v View) Len() int { return len(v.Events) }

// Render returns the view as plain conversation text, one labelled line per
// Event. The output depends only on the Events, never on wall-clock time.
func (v View) Render() string {
	var b strings.Builder
	for _, ev := range v.Events {
		p := ev.Payload
		switch ev.Kind {
		case stream.KindSessionInit:
			if p.Model != "" {
				fmt.Fprintf(&b, "SYSTEM: session started (model %s)\n", p.Model)
			} else {
				b.WriteString("SYSTEM: session started\n")
			}
		case stream.KindInstruction:
			fmt.Fprintf(&b, "USER: %s\n", clip(p.Text, userLimit))
		case stream.KindAgentMessage:
			if p.Generic || strings.TrimSpace(p.Text) == "" {
				continue
			}
			if p.Role == "user" {
				fmt.Fprintf(&b, "USER: %s\n", clip(p.Text, userLimit))
			} else {
				fmt.Fprintf(&b, "ASSISTANT: %s\n", clip(p.Text, assistantLimit))
			}
		case stream.KindToolInvocation:
			if strings.TrimSpace(p.Text) != "" {
				fmt.Fprintf(&b, "ASSISTANT: %s\n", clip(p.Text, assistantLimit))
			}
			for _, call := range p.ToolCalls {
				if len(call.Input) > 0 {
					fmt.Fprintf(&b, "TOOL: %s %s\n", call.Name, clip(string(call.Input), toolLimit))
				} else {
					fmt.Fprintf(&b, "TOOL: %s\n", call.Name)
				}
			}
		case stream.KindToolResult:
			for _, res := range p.ToolResults {
				label := "RESULT"
				if res.IsError {
					label = "RESULT (error)"
				}
				fmt.Fprintf(&b, "%s: %s\n", label, clip(res.Text, resultLimit))
			}
		case stream.KindTurnComplete:
			if p.IsError {
				b.WriteString("SYSTEM: turn ended with an error\n")
			} else {
				b.WriteString("SYSTEM: turn complete\n")
			}
		case stream.KindError:
			fmt.Fprintf(&b, "ERROR: %s\n", clip(p.Text, resultLimit))
		}
	}
	return b.String()
}

// Messages returns the user and assistant messages in order. Tool traffic is
// folded into the assistant side as a short "[tool: Name]" note.
func (v View) Messages() []Message {
	var out []Message
	add := func(role, text string, limit int) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		out = append(out, Message{Role: role, Content: clip(text, limit)})
	}
	for _, ev := range v.Events {
		p := ev.Payload
		switch ev.Kind {
		case stream.KindInstruction:
			add("user", p.Text, userLimit)
		case stream.KindAgentMessage:
			if p.Generic {
				continue
			}
			if p.Role == "user" {
				add("user", p.Text, userLimit)
			} else {
				add("assistant", p.Text, assistantLimit)
			}
		case stream.KindToolInvocation:
			text := p.Text
			for _, call := range p.ToolCalls {
				text += fmt.Sprintf("\n[tool: %s]", call.Name)
			}
			add("assistant", text, assistantLimit)
		}
	}
	return out
}

// LastAssistantText returns the most recent non-empty assistant text, falling
// back to the result text of the last turn-complete Event.
func (v View) LastAssistantText() string {
	for i := len(v.Events) - 1; i >= 0; i-- {
		ev := v.Events[i]
		p := ev.Payload
		switch ev.Kind {
		case stream.KindAgentMessage:
			if p.Role == "assistant" && !p.Generic && strings.TrimSpace(p.Text) != "" {
				return p.Text
			}
		case stream.KindToolInvocation:
			if strings.TrimSpace(p.Text) != "" {
				return p.Text
			}
		case stream.KindTurnComplete:
			if strings.TrimSpace(p.Text) != "" {
				return p.Text
			}
		}
	}
	return ""
}

func clip(s string, n int) string {
	return ansi.Truncate(strings.TrimSpace(s), n, "...")
}
