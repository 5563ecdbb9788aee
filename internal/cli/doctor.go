package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/letthemcook/internal/config"
	"github.com/agusx1211/letthemcook/internal/detect"
	"github.com/agusx1211/letthemcook/internal/tail"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that cook can find everything it needs",
	Long: `Check the Claude CLI, the director API key, the session logs of the
current directory, the transcript store and notification settings.

Exits non-zero when a required piece is missing.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().Bool("json", false, "Print checks as JSON")
	rootCmd.AddCommand(doctorCmd)
}

const (
	checkOK   = "ok"
	checkWarn = "warn"
	checkFail = "fail"
)

type check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	projects, err := tail.DefaultProjectsDir()
	if err != nil {
		return err
	}

	checks := doctorChecks(cmd, cfg, projects, wd)

	w := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(checks); err != nil {
			return err
		}
	} else {
		printChecks(w, checks)
	}

	for _, c := range checks {
		if c.Status == checkFail {
			return errors.New("doctor found problems")
		}
	}
	return nil
}

func doctorChecks(cmd *cobra.Command, cfg *config.Config, projectsDir, wd string) []check {
	var checks []check

	if bin, err := detect.Worker(cfg.Worker.Command); err != nil {
		checks = append(checks, check{"Claude CLI", checkFail,
			fmt.Sprintf("%v (set %s or [worker] command)", err, config.EnvClaudeBin)})
	} else {
		checks = append(checks, check{"Claude CLI", checkOK, fmt.Sprintf("%s (v%s)", bin.Path, bin.Version)})
	}

	if cfg.Director.APIKey == "" {
		checks = append(checks, check{"Director", checkWarn,
			fmt.Sprintf("no API key, set %s; every turn will wait for you", config.EnvGoogleAPIKey)})
	} else {
		checks = append(checks, check{"Director", checkOK, cfg.Director.Model + " key " + maskSecret(cfg.Director.APIKey)})
	}

	if sf, err := tail.Discover(projectsDir, wd); err != nil {
		checks = append(checks, check{"Watch", checkWarn, firstLine(err.Error())})
	} else {
		checks = append(checks, check{"Watch", checkOK,
			fmt.Sprintf("session %s, updated %s", shortID(sf.ID), formatAgo(time.Since(sf.ModTime)))})
	}

	if st, err := openStore(cfg); err != nil {
		checks = append(checks, check{"Store", checkWarn, firstLine(err.Error())})
	} else {
		detail := st.Path()
		if list, err := st.ListSessions(cmd.Context(), 1); err == nil && len(list) > 0 {
			detail += ", last session " + shortID(list[0].ID)
		}
		checks = append(checks, check{"Store", checkOK, detail})
		st.Close()
	}

	if cfg.Pushover.Configured() {
		checks = append(checks, check{"Pushover", checkOK, "configured"})
	} else {
		checks = append(checks, check{"Pushover", checkWarn, "not configured"})
	}
	return checks
}

func printChecks(w io.Writer, checks []check) {
	printHeader(w, "cook doctor")
	rows := make([][]string, 0, len(checks))
	for _, c := range checks {
		color := colorGreen
		switch c.Status {
		case checkWarn:
			color = colorYellow
		case checkFail:
			color = colorRed
		}
		rows = append(rows, []string{c.Name, color + c.Status + colorReset, c.Detail})
	}
	printTable(w, []string{"Check", "Status", "Detail"}, rows)
}
