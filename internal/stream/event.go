package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Event.
type Kind string

const (
	KindSessionInit    Kind = "session-init"
	KindAgentMessage   Kind = "agent-message"
	KindToolInvocation Kind = "tool-invocation"
	KindToolResult     Kind = "tool-result"
	KindTurnComplete   Kind = "turn-complete"
	KindError          Kind = "error"

	// KindInstruction marks an instruction handed to the worker, by the
	// director or by the human. It is recorded by the loop, never parsed.
	KindInstruction Kind = "instruction"
)

// Terminal reports whether the kind closes a turn on its own.
func (k Kind) Terminal() bool {
	return k == KindTurnComplete || k == KindError
}

// Instruction sources.
const (
	SourceTask     = "task"
	SourceDirector = "director"
	SourceHuman    = "human"
)

// Event is one parsed unit of worker output. Events are values; once the
// tailer has stamped Seq and Time they are never modified.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Payload Payload   `json:"payload"`
}

// Payload holds the kind-specific data of an Event. Fields that do not apply
// to a kind are left zero.
type Payload struct {
	// Role is "assistant", "user" or "system" for agent-message events.
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// session-init
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// tool-invocation / tool-result
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// EndTurn is set when the worker signalled it has handed control back
	// (stop_reason "end_turn" in session files).
	EndTurn bool `json:"end_turn,omitempty"`

	// turn-complete / error
	Subtype    string  `json:"subtype,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`

	// instruction
	Source string `json:"source,omitempty"`

	// Generic marks a well-formed line of a type cook does not know.
	Generic    bool   `json:"generic,omitempty"`
	SourceType string `json:"source_type,omitempty"`
}

// ToolCall is one tool invocation requested by the worker.
type ToolCall struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Text      string `json:"text,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// NewInstruction builds the Event recorded when an instruction is submitted.
func NewInstruction(source, text string) Event {
	return Event{
		Kind:    KindInstruction,
		Payload: Payload{Role: "user", Text: text, Source: source},
	}
}

// NewError builds a synthetic error Event, used for terminal markers such as
// a lost source or a crashed worker.
func NewError(text string) Event {
	return Event{
		Kind:    KindError,
		Payload: Payload{Text: text, IsError: true},
	}
}

// ErrMalformedLine is matched by every MalformedLineError.
var ErrMalformedLine = errors.New("malformed line")

// MalformedLineError reports a line that could not be turned into an Event.
type MalformedLineError struct {
	Line   string
	Reason string
	Err    error
}

func (e *MalformedLineError) Error() string {
	preview := e.Line
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed line (%s): %v: %q", e.Reason, e.Err, preview)
	}
	return fmt.Sprintf("malformed line (%s): %q", e.Reason, preview)
}

func (e *MalformedLineError) Is(target error) bool { return target == ErrMalformedLine }

func (e *MalformedLineError) Unwrap() error { return e.Err }
