package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/letthemcook/internal/config"
	"github.com/agusx1211/letthemcook/internal/store"
)

// openStore opens the transcript database named by cfg.
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Store.Disabled {
		return nil, fmt.Errorf("transcript store is disabled in %s", cfg.Source)
	}
	return store.Open(cfg.Store.Path)
}

// printHeader prints a formatted section header.
func printHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s%s%s\n", styleBoldCyan, title, colorReset)
	fmt.Fprintln(w, colorDim+strings.Repeat("-", len(title)+2)+colorReset)
}

// printField prints a labeled field.
func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s%-16s%s %s\n", colorBold, label+":", colorReset, value)
}

func printFieldColored(w io.Writer, label, value, color string) {
	fmt.Fprintf(w, "  %s%-16s%s %s%s%s\n", colorBold, label+":", colorReset, color, value, colorReset)
}

// statusColor returns an ANSI color code for a session status.
func statusColor(status string) string {
	switch status {
	case store.StatusFinished:
		return colorGreen
	case store.StatusRunning, store.StatusStopped:
		return colorYellow
	case store.StatusFailed:
		return colorRed
	default:
		return ""
	}
}

// printTable prints a simple table with headers and rows.
func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, colorDim+"  (none)"+colorReset)
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if n := ansi.StringWidth(cell); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}

	var line strings.Builder
	line.WriteString("  ")
	for i, h := range headers {
		fmt.Fprintf(&line, "%s%-*s%s", colorBold, widths[i]+2, h, colorReset)
	}
	fmt.Fprintln(w, line.String())

	line.Reset()
	line.WriteString("  ")
	for _, width := range widths {
		line.WriteString(colorDim + strings.Repeat("-", width+2) + colorReset)
	}
	fmt.Fprintln(w, line.String())

	for _, row := range rows {
		line.Reset()
		line.WriteString("  ")
		for i, cell := range row {
			if i < len(widths) {
				// Pad on visible width; cells may carry colour codes.
				padding := max(widths[i]-ansi.StringWidth(cell), 0)
				line.WriteString(cell + strings.Repeat(" ", padding+2))
			}
		}
		fmt.Fprintln(w, line.String())
	}
}

// truncate shortens s to maxLen cells, adding "..." if needed.
func truncate(s string, maxLen int) string {
	return ansi.Truncate(s, maxLen, "...")
}

// firstLine returns the first line of a multi-line string.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}
