package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/letthemcook/internal/config"
	"github.com/agusx1211/letthemcook/internal/recording"
	"github.com/agusx1211/letthemcook/internal/stats"
	"github.com/agusx1211/letthemcook/internal/store"
	"github.com/agusx1211/letthemcook/internal/stream"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List recorded cook sessions",
	Long: `List sessions saved in the transcript database, most recent first.

Use 'cook replay <id>' to print one of them. Any unique id prefix works.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

var replayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Print a recorded session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	sessionsCmd.Flags().IntP("limit", "n", 20, "Maximum sessions to show, 0 = all")
	replayCmd.Flags().Bool("json", false, "Print events as JSON lines")
	replayCmd.Flags().Int("turn", -1, "Print the worker I/O recorded for one turn instead")
	replayCmd.Flags().Bool("raw", false, "With --turn, print the worker stream undecoded")
	rootCmd.AddCommand(sessionsCmd, replayCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	sessions, err := st.ListSessions(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	w := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(w, colorDim+"  No sessions recorded yet."+colorReset)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Start one with "+styleBoldWhite+"cook \"<task>\""+colorReset)
		return nil
	}
	printSessions(w, sessions, time.Now())
	return nil
}

func printSessions(w io.Writer, sessions []store.Session, now time.Time) {
	printHeader(w, "Sessions")
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		task := s.Task
		if task == "" {
			task = "-"
		}
		rows = append(rows, []string{
			shortID(s.ID),
			s.Mode,
			statusColor(s.Status) + s.Status + colorReset,
			fmt.Sprintf("%d", s.Turns),
			formatAgo(now.Sub(s.StartedAt)),
			truncate(firstLine(task), 48),
		})
	}
	printTable(w, []string{"ID", "Mode", "Status", "Turns", "Started", "Task"}, rows)
	fmt.Fprintln(w)
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.GetSession(cmd.Context(), strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	if turn, _ := cmd.Flags().GetInt("turn"); turn >= 0 {
		chunks, err := st.Recording(cmd.Context(), sess.ID, turn)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			return fmt.Errorf("no recording for turn %d of session %s", turn, shortID(sess.ID))
		}
		raw, _ := cmd.Flags().GetBool("raw")
		printRecording(cmd.Context(), w, chunks, raw)
		return nil
	}

	evs, err := st.Events(cmd.Context(), sess.ID)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(w)
		for _, ev := range evs {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	printHeader(w, "Session "+shortID(sess.ID))
	printField(w, "Mode", sess.Mode)
	if sess.Task != "" {
		printField(w, "Task", sess.Task)
	}
	printField(w, "Directory", sess.WorkDir)
	if sess.WorkerSession != "" {
		printField(w, "Worker session", sess.WorkerSession)
	}
	printFieldColored(w, "Status", sess.Status, statusColor(sess.Status))
	printField(w, "Turns", fmt.Sprintf("%d", sess.Turns))
	printField(w, "Started", sess.StartedAt.Local().Format(time.DateTime))
	if sess.EndedAt != nil {
		printField(w, "Ended", sess.EndedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintln(w)

	display := stream.NewDisplay(w)
	for _, ev := range evs {
		display.Handle(ev)
	}
	printMetrics(w, stats.FromEvents(evs))
	return nil
}

// printRecording prints one turn's recorded chunks in order. Runs of stream
// chunks are decoded and rendered like a live session unless raw is set.
func printRecording(ctx context.Context, w io.Writer, chunks []store.RecordingEvent, raw bool) {
	display := stream.NewDisplay(w)
	var pending strings.Builder
	flush := func() {
		if pending.Len() == 0 {
			return
		}
		for re := range stream.Parse(ctx, strings.NewReader(pending.String())) {
			switch {
			case re.Err == nil:
				display.Handle(re.Event)
			case re.Raw != nil:
				display.Malformed(string(re.Raw))
			default:
				display.Error("Reading recorded stream: %v", re.Err)
			}
		}
		pending.Reset()
	}

	for _, c := range chunks {
		if c.Type == recording.StreamType && !raw {
			pending.WriteString(c.Data)
			continue
		}
		flush()
		fmt.Fprintf(w, "%s%s %-13s%s %s\n", colorDim, c.Timestamp.Local().Format("15:04:05"), c.Type, colorReset, strings.TrimRight(c.Data, "\n"))
	}
	flush()
}

func printMetrics(w io.Writer, m stats.Metrics) {
	printHeader(w, "Summary")
	printField(w, "Totals", m.Summary())
	if n := m.Instructions[stream.SourceDirector]; n > 0 {
		printField(w, "Director", fmt.Sprintf("%d instructions", n))
	}
	if top := m.TopTools(5); len(top) > 0 {
		parts := make([]string, len(top))
		for i, tc := range top {
			parts[i] = fmt.Sprintf("%s %d", tc.Name, tc.Count)
		}
		printField(w, "Tools", strings.Join(parts, ", "))
	}
}
