// Package events defines the messages the monitor feed carries to observers.
package events

import (
	"encoding/json"
	"time"

	"github.com/agusx1211/letthemcook/internal/stream"
)

// Message types.
const (
	TypeSnapshot = "snapshot"
	TypeState    = "state"
	TypeEvent    = "event"
	TypeTurn     = "turn"
	TypeDecision = "decision"
	TypeError    = "error"
	TypeDone     = "done"
)

// Envelope is one frame of the feed.
type Envelope struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Encode marshals the envelope, stamping Time when unset.
func (e Envelope) Encode() ([]byte, error) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return json.Marshal(e)
}

// SnapshotMsg is sent once to each new subscriber: the current loop state and
// the tail of the transcript.
type SnapshotMsg struct {
	TranscriptID string         `json:"transcript_id"`
	State        any            `json:"state"`
	Events       []stream.Event `json:"events"`
}

// StateMsg reports a loop state transition.
type StateMsg struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TurnMsg reports a closed turn.
type TurnMsg struct {
	TurnID int    `json:"turn_id"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// DecisionMsg reports what the director decided after a turn.
type DecisionMsg struct {
	TurnID      int    `json:"turn_id"`
	Kind        string `json:"kind"`
	Instruction string `json:"instruction,omitempty"`
}

// ErrorMsg carries a failure the loop surfaced to the human.
type ErrorMsg struct {
	Error string `json:"error"`
}

// DoneMsg is the last frame of a session.
type DoneMsg struct {
	Turns  int    `json:"turns"`
	Reason string `json:"reason"`
}

// State wraps a StateMsg.
func State(from, to string) Envelope {
	return Envelope{Type: TypeState, Data: StateMsg{From: from, To: to}}
}

// Event wraps a transcript event.
func Event(ev stream.Event) Envelope {
	return Envelope{Type: TypeEvent, Data: ev}
}

// Turn wraps a TurnMsg.
func Turn(id int, reason string, err error) Envelope {
	msg := TurnMsg{TurnID: id, Reason: reason}
	if err != nil {
		msg.Error = err.Error()
	}
	return Envelope{Type: TypeTurn, Data: msg}
}

// Decision wraps a DecisionMsg.
func Decision(turnID int, kind, instruction string) Envelope {
	return Envelope{Type: TypeDecision, Data: DecisionMsg{TurnID: turnID, Kind: kind, Instruction: instruction}}
}

// Error wraps an ErrorMsg.
func Error(err error) Envelope {
	return Envelope{Type: TypeError, Data: ErrorMsg{Error: err.Error()}}
}

// Done wraps a DoneMsg.
func Done(turns int, reason string) Envelope {
	return Envelope{Type: TypeDone, Data: DoneMsg{Turns: turns, Reason: reason}}
}
