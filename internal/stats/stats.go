// Package stats summarizes what happened in a transcript.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agusx1211/letthemcook/internal/stream"
)

// Metrics are totals over a run of transcript events.
type Metrics struct {
	Turns        int
	FailedTurns  int
	Messages     int
	Instructions map[string]int // source -> count
	ToolCalls    map[string]int // tool name -> invocation count
	CostUSD      float64
	Duration     time.Duration
}

// ToolCount is one entry of TopTools.
type ToolCount struct {
	Name  string
	Count int
}

// FromEvents folds evs into Metrics. Cost and duration are summed over
// turn-complete events since every worker invocation reports its own.
func FromEvents(evs []stream.Event) Metrics {
	m := Metrics{
		Instructions: make(map[string]int),
		ToolCalls:    make(map[string]int),
	}
	for _, ev := range evs {
		switch ev.Kind {
		case stream.KindInstruction:
			m.Instructions[ev.Payload.Source]++
		case stream.KindAgentMessage:
			if ev.Payload.Role == "assistant" && strings.TrimSpace(ev.Payload.Text) != "" {
				m.Messages++
			}
		case stream.KindToolInvocation:
			for _, call := range ev.Payload.ToolCalls {
				if call.Name != "" {
					m.ToolCalls[call.Name]++
				}
			}
		case stream.KindTurnComplete:
			m.Turns++
			if ev.Payload.IsError {
				m.FailedTurns++
			}
			m.CostUSD += ev.Payload.CostUSD
			m.Duration += time.Duration(ev.Payload.DurationMS * float64(time.Millisecond))
		case stream.KindError:
			m.Turns++
			m.FailedTurns++
		}
	}
	return m
}

// TotalToolCalls sums ToolCalls.
func (m Metrics) TotalToolCalls() int {
	n := 0
	for _, c := range m.ToolCalls {
		n += c
	}
	return n
}

// TopTools returns the n most used tools, most used first, ties by name.
func (m Metrics) TopTools(n int) []ToolCount {
	out := make([]ToolCount, 0, len(m.ToolCalls))
	for name, c := range m.ToolCalls {
		out = append(out, ToolCount{name, c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Summary renders the one-line form shown at the end of a run.
func (m Metrics) Summary() string {
	parts := []string{plural(m.Turns, "turn")}
	if m.FailedTurns > 0 {
		parts[0] += fmt.Sprintf(" (%d failed)", m.FailedTurns)
	}
	parts = append(parts, plural(m.TotalToolCalls(), "tool call"))
	if m.CostUSD > 0 {
		parts = append(parts, fmt.Sprintf("$%.2f", m.CostUSD))
	}
	if m.Duration > 0 {
		parts = append(parts, m.Duration.Round(time.Second).String())
	}
	return strings.Join(parts, ", ")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
