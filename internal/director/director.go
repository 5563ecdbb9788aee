// Package director asks the remote decision service what the worker should do
// next. Mode policy is applied here, before any network call.
package director

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/mode"
	"github.com/agusx1211/letthemcook/internal/transcript"
)

// Markers the service uses to decline.
const (
	DoneMarker   = "[DONE]"
	SilentMarker = "[SILENT]"
)

// KeepGoing is sent in Relentless mode when the service says the task is done.
const KeepGoing = "Keep going. Review what you have built so far, pick the most valuable next improvement, and implement it now."

// Kind classifies a Decision.
type Kind int

const (
	// Silent means "send nothing": the loop keeps observing or hands
	// control to the human.
	Silent Kind = iota
	// Instruct carries the next instruction for the worker.
	Instruct
	// Stop ends the session gracefully.
	Stop
)

func (k Kind) String() string {
	switch k {
	case Instruct:
		return "instruct"
	case Stop:
		return "stop"
	default:
		return "silent"
	}
}

// Decision is the director's answer for one closed turn.
type Decision struct {
	Kind        Kind
	Instruction string
}

// Request is everything a decision may depend on.
type Request struct {
	View       transcript.View
	Task       string
	Latest     string
	Mode       mode.Mode
	Aggressive bool
}

// Decider returns the next Decision for a closed turn.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// FuncDecider adapts a function to Decider.
type FuncDecider func(ctx context.Context, req Request) (Decision, error)

func (f FuncDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// ErrUnavailable is matched by every UnavailableError.
var ErrUnavailable = errors.New("director unavailable")

// UnavailableError reports a failed or unusable call to the decision
// service. It is retryable.
type UnavailableError struct {
	Backend string
	Status  int
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("director %s unavailable (HTTP %d): %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("director %s unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// Backend generates a completion for a prompt.
type Backend interface {
	Name() string
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

const (
	continueTokens = 500
	chimeTokens    = 400
)

// Client applies mode policy and delegates to a Backend.
type Client struct {
	Backend Backend
}

// New returns a Client for b.
func New(b Backend) *Client {
	return &Client{Backend: b}
}

// Decide implements Decider.
func (c *Client) Decide(ctx context.Context, req Request) (Decision, error) {
	if req.Mode == mode.Passive {
		return Decision{Kind: Silent}, nil
	}
	if c.Backend == nil {
		return Decision{}, &UnavailableError{Backend: "none", Err: errors.New("no backend configured")}
	}

	chime := req.Mode == mode.Watch
	prompt, tokens := continuePrompt(req), continueTokens
	if chime {
		prompt, tokens = chimePrompt(req), chimeTokens
	}

	debug.LogKV("director", "decide", "mode", req.Mode, "aggressive", req.Aggressive, "view_events", req.View.Len(), "prompt_bytes", len(prompt))
	text, err := c.Backend.Generate(ctx, prompt, tokens)
	if err != nil {
		var ue *UnavailableError
		if !errors.As(err, &ue) && ctx.Err() == nil {
			err = &UnavailableError{Backend: c.Backend.Name(), Err: err}
		}
		return Decision{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Decision{}, &UnavailableError{Backend: c.Backend.Name(), Err: errors.New("empty response")}
	}

	d := interpret(req, text, chime)
	debug.LogKV("director", "decision", "kind", d.Kind, "instruction_len", len(d.Instruction))
	return d, nil
}

// interpret maps the raw service answer onto a Decision under mode policy.
func interpret(req Request, text string, chime bool) Decision {
	if chime {
		if strings.Contains(text, SilentMarker) {
			return Decision{Kind: Silent}
		}
		return Decision{Kind: Instruct, Instruction: text}
	}
	if !strings.Contains(text, DoneMarker) {
		return Decision{Kind: Instruct, Instruction: text}
	}
	switch {
	case req.Mode == mode.Relentless:
		return Decision{Kind: Instruct, Instruction: KeepGoing}
	case req.Aggressive:
		return Decision{Kind: Silent}
	default:
		return Decision{Kind: Stop}
	}
}
