package stream

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-isatty"

	"github.com/agusx1211/letthemcook/internal/theme"
)

const (
	toolInputPreview  = 100
	toolResultPreview = 200
	humanPreview      = 300
)

// Display formats Events and loop notices for terminal output.
type Display struct {
	w     io.Writer
	mu    sync.Mutex
	color bool
}

// NewDisplay creates a Display that writes to w. Colour is enabled only when
// w is a terminal.
func NewDisplay(w io.Writer) *Display {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Display{w: w, color: color}
}

// SetColor forces colour output on or off.
func (d *Display) SetColor(on bool) {
	d.mu.Lock()
	d.color = on
	d.mu.Unlock()
}

func (d *Display) paint(style lipgloss.Style, s string) string {
	if !d.color {
		return s
	}
	return style.Render(s)
}

func (d *Display) line(tag lipgloss.Style, label, body string) {
	if body == "" {
		fmt.Fprintln(d.w, d.paint(tag, label))
		return
	}
	fmt.Fprintf(d.w, "%s %s\n", d.paint(tag, label), body)
}

// Handle writes a single Event.
func (d *Display) Handle(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := ev.Payload
	switch ev.Kind {
	case KindSessionInit:
		d.line(theme.Dim, "[init]", d.paint(theme.Dim, fmt.Sprintf("session=%s model=%s", p.SessionID, p.Model)))

	case KindAgentMessage:
		switch {
		case p.Generic:
			if p.Role != "system" {
				d.line(theme.Dim, "[raw]", d.paint(theme.Dim, p.SourceType))
			}
		case p.Role == "user":
			if p.Text != "" {
				d.line(theme.Human, "[you]", preview(p.Text, humanPreview))
			}
		case strings.TrimSpace(p.Text) != "":
			d.line(theme.ClaudeTg, "[claude]", p.Text)
		}

	case KindToolInvocation:
		if strings.TrimSpace(p.Text) != "" {
			d.line(theme.ClaudeTg, "[claude]", p.Text)
		}
		for _, call := range p.ToolCalls {
			body := d.paint(theme.ToolName, call.Name)
			if len(call.Input) > 0 {
				body += " " + preview(string(call.Input), toolInputPreview)
			}
			d.line(theme.Tool, "[tool]", body)
		}

	case KindToolResult:
		for _, res := range p.ToolResults {
			style := theme.Result
			if res.IsError {
				style = theme.Error
			}
			d.line(style, "[result]", d.paint(theme.Dim, preview(res.Text, toolResultPreview)))
		}

	case KindTurnComplete:
		var parts []string
		if p.IsError {
			parts = append(parts, "ERROR")
		}
		if p.Subtype != "" && p.Subtype != "success" {
			parts = append(parts, p.Subtype)
		}
		if p.CostUSD > 0 {
			parts = append(parts, fmt.Sprintf("cost=$%.4f", p.CostUSD))
		}
		if p.DurationMS > 0 {
			parts = append(parts, fmt.Sprintf("duration=%.1fs", p.DurationMS/1000))
		}
		if p.NumTurns > 0 {
			parts = append(parts, fmt.Sprintf("turns=%d", p.NumTurns))
		}
		if len(parts) == 0 {
			parts = append(parts, "done")
		}
		style := theme.Success
		if p.IsError {
			style = theme.Error
		}
		d.line(style, "[done]", strings.Join(parts, " "))

	case KindError:
		msg := p.Text
		if msg == "" {
			msg = "unknown error"
		}
		d.line(theme.Error, "[error]", msg)

	case KindInstruction:
		d.instruction(p.Source, p.Text)
	}
}

// Instruction prints an instruction about to be sent to the worker.
func (d *Display) Instruction(source, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instruction(source, text)
}

func (d *Display) instruction(source, text string) {
	switch source {
	case SourceDirector:
		d.line(theme.CookTag, "[cook:auto]", text)
	case SourceHuman:
		d.line(theme.Human, "[you]", text)
	default:
		d.line(theme.CookTag, "[cook]", text)
	}
}

// Info prints a cook status line.
func (d *Display) Info(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.line(theme.CookTag, "[cook]", d.paint(theme.Info, fmt.Sprintf(format, args...)))
}

// Warn prints a highlighted cook notice.
func (d *Display) Warn(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.line(theme.Warn, "[cook]", fmt.Sprintf(format, args...))
}

// Error prints an [error] line that is not part of the transcript.
func (d *Display) Error(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.line(theme.Error, "[error]", fmt.Sprintf(format, args...))
}

// Malformed reports a skipped line.
func (d *Display) Malformed(raw string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.line(theme.Dim, "[raw]", d.paint(theme.Dim, preview(raw, toolResultPreview)))
}

// State prints a loop state transition.
func (d *Display) State(state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.line(theme.CookTag, "[cook]", "state "+d.paint(theme.StateStyle(state), state))
}

// Banner prints a title rule followed by indented detail lines.
func (d *Display) Banner(title string, lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(d.w, d.paint(theme.Banner, rule))
	fmt.Fprintln(d.w, d.paint(theme.Banner.Bold(true), "  "+title))
	for _, l := range lines {
		fmt.Fprintln(d.w, d.paint(theme.Info, "  "+l))
	}
	fmt.Fprintln(d.w, d.paint(theme.Banner, rule))
}

// preview collapses whitespace and truncates s to width cells.
func preview(s string, width int) string {
	return ansi.Truncate(compactWhitespace(strings.TrimSpace(s)), width, "...")
}

// compactWhitespace replaces runs of whitespace with a single space.
func compactWhitespace(s string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || r == ' ' {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		} else {
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return b.String()
}
