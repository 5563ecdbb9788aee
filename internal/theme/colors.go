package theme

import "github.com/charmbracelet/lipgloss"

// Palette - 256-colour codes so the output matches on terminals without
// truecolor support.
var (
	ColorClaude  = lipgloss.Color("141") // purple
	ColorCook    = lipgloss.Color("208") // orange
	ColorTool    = lipgloss.Color("39")  // blue
	ColorResult  = lipgloss.Color("245") // gray
	ColorSuccess = lipgloss.Color("82")  // green
	ColorError   = lipgloss.Color("196") // red
	ColorInfo    = lipgloss.Color("248") // light gray
	ColorHuman   = lipgloss.Color("2")   // green
	ColorBanner  = lipgloss.Color("6")   // cyan
	ColorWarn    = lipgloss.Color("3")   // yellow
)

// Tag styles for the line-oriented terminal display.
var (
	Dim      = lipgloss.NewStyle().Faint(true)
	Claude   = lipgloss.NewStyle().Foreground(ColorClaude)
	ClaudeTg = Claude.Bold(true)
	Cook     = lipgloss.NewStyle().Foreground(ColorCook)
	CookTag  = Cook.Bold(true)
	Tool     = lipgloss.NewStyle().Foreground(ColorTool)
	ToolName = Tool.Bold(true)
	Result   = lipgloss.NewStyle().Foreground(ColorResult)
	Success  = lipgloss.NewStyle().Foreground(ColorSuccess)
	Error    = lipgloss.NewStyle().Foreground(ColorError)
	Info     = lipgloss.NewStyle().Foreground(ColorInfo)
	Human    = lipgloss.NewStyle().Foreground(ColorHuman)
	Banner   = lipgloss.NewStyle().Foreground(ColorBanner)
	Warn     = lipgloss.NewStyle().Foreground(ColorWarn)
)

// StateStyle returns the style used when printing a loop state name.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return Success
	case "awaiting_decision":
		return Cook
	case "suspended", "manual":
		return Warn
	case "terminated":
		return Error
	default:
		return Info
	}
}
