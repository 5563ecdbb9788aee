package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/agusx1211/letthemcook/internal/eventq"
)

const maxLineSize = 4 * 1024 * 1024 // 4 MB; tool results can be large

// RawEvent holds a raw line together with its parse outcome.
type RawEvent struct {
	Raw   []byte
	Event Event
	Err   error
}

// ParseLine converts one line of worker output into an Event. It never
// panics; every line that is not a JSON object with a "type" field yields a
// *MalformedLineError. Well-formed lines of unknown types become generic
// agent-message events so new worker versions do not break the stream.
func ParseLine(line []byte) (Event, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Event{}, &MalformedLineError{Reason: "blank"}
	}
	if trimmed[0] != '{' {
		return Event{}, &MalformedLineError{Line: string(trimmed), Reason: "not a JSON object"}
	}

	var w wireLine
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Event{}, &MalformedLineError{Line: string(trimmed), Reason: "invalid JSON", Err: err}
	}
	if strings.TrimSpace(w.Type) == "" {
		return Event{}, &MalformedLineError{Line: string(trimmed), Reason: "missing type"}
	}

	ev := Event{Time: parseTimestamp(w.Timestamp)}
	switch w.Type {
	case "system":
		if w.Subtype == "init" {
			ev.Kind, ev.Payload = KindSessionInit, sessionInit(w)
			return ev, nil
		}
		ev.Kind = KindAgentMessage
		ev.Payload = Payload{Role: "system", Subtype: w.Subtype, Generic: true, SourceType: w.Type}
	case "init":
		ev.Kind, ev.Payload = KindSessionInit, sessionInit(w)
	case "assistant":
		ev.Kind, ev.Payload = fromAssistant(w)
	case "user":
		ev.Kind, ev.Payload = fromUser(w)
	case "message", "text":
		text := w.Text
		if text == "" {
			text = flattenText(w.Content)
		}
		ev.Kind = KindAgentMessage
		ev.Payload = Payload{Role: "assistant", Text: text}
	case "tool_use", "tool_call":
		ev.Kind = KindToolInvocation
		ev.Payload = Payload{ToolCalls: []ToolCall{{ID: w.ID, Name: w.Name, Input: w.Input}}}
	case "tool_result":
		text := flattenText(w.Content)
		if text == "" {
			text = w.Text
		}
		ev.Kind = KindToolResult
		ev.Payload = Payload{ToolResults: []ToolResult{{ToolUseID: w.ToolUseID, Text: text, IsError: w.IsError}}}
	case "result", "turn_complete":
		ev.Kind = KindTurnComplete
		ev.Payload = Payload{
			Text:       w.ResultText,
			Subtype:    w.Subtype,
			IsError:    w.IsError,
			CostUSD:    w.TotalCostUSD,
			DurationMS: w.DurationMS,
			NumTurns:   w.NumTurns,
			SessionID:  sessionIDOf(w),
		}
	case "error":
		text := errorMessage(w.Error)
		if text == "" {
			text = firstNonEmpty(w.Text, w.ResultText, "unknown error")
		}
		ev.Kind = KindError
		ev.Payload = Payload{Text: text, IsError: true}
	default:
		ev.Kind = KindAgentMessage
		ev.Payload = Payload{Role: "assistant", Text: w.Text, Generic: true, SourceType: w.Type}
	}
	return ev, nil
}

func sessionInit(w wireLine) Payload {
	return Payload{SessionID: sessionIDOf(w), Model: w.Model, Tools: w.Tools}
}

func sessionIDOf(w wireLine) string {
	return firstNonEmpty(w.SessionID, w.SessionIDFile)
}

func fromAssistant(w wireLine) (Kind, Payload) {
	if w.Message == nil {
		return KindAgentMessage, Payload{Role: "assistant", Text: w.Text}
	}
	text, blocks, err := decodeContent(w.Message.Content)
	if err != nil {
		return KindAgentMessage, Payload{Role: "assistant", Generic: true, SourceType: w.Type, Text: string(w.Message.Content)}
	}

	var (
		parts []string
		calls []ToolCall
	)
	if text != "" {
		parts = append(parts, text)
	}
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}

	p := Payload{Role: "assistant", Text: strings.Join(parts, "\n"), Model: w.Message.Model}
	if len(calls) > 0 {
		p.ToolCalls = calls
		return KindToolInvocation, p
	}
	p.EndTurn = w.Message.StopReason == "end_turn"
	return KindAgentMessage, p
}

func fromUser(w wireLine) (Kind, Payload) {
	if w.Message == nil {
		return KindAgentMessage, Payload{Role: "user", Text: w.Text}
	}
	text, blocks, err := decodeContent(w.Message.Content)
	if err != nil {
		return KindAgentMessage, Payload{Role: "user", Generic: true, SourceType: w.Type, Text: string(w.Message.Content)}
	}

	var (
		parts   []string
		results []ToolResult
	)
	if text != "" {
		parts = append(parts, text)
	}
	for _, block := range blocks {
		switch block.Type {
		case "tool_result":
			results = append(results, ToolResult{
				ToolUseID: block.ToolUseID,
				Text:      flattenText(block.Content),
				IsError:   block.IsError,
			})
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}
	if len(results) > 0 {
		return KindToolResult, Payload{Role: "user", ToolResults: results, Text: strings.Join(parts, "\n")}
	}
	return KindAgentMessage, Payload{Role: "user", Text: strings.Join(parts, "\n")}
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Parse reads NDJSON lines from r and sends one RawEvent per non-blank line
// on the returned channel. Malformed lines arrive with Err set. The channel
// is closed when the reader reaches EOF or ctx is cancelled. Delivery is
// lossless: a slow consumer slows the reader down.
func Parse(ctx context.Context, r io.Reader) <-chan RawEvent {
	ch := make(chan RawEvent, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			raw := make([]byte, len(line))
			copy(raw, line)

			ev, err := ParseLine(raw)
			if !eventq.Send(ctx, ch, RawEvent{Raw: raw, Event: ev, Err: err}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			eventq.Send(ctx, ch, RawEvent{Err: err})
		}
	}()
	return ch
}
