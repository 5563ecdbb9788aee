package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agusx1211/letthemcook/internal/buildinfo"
	"github.com/agusx1211/letthemcook/internal/config"
	"github.com/agusx1211/letthemcook/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldGreen = "\033[1;32m"
	styleBoldWhite = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "cook [task]",
	Short: "Let a director drive Claude through a task",
	Long: colorBold + `LET THEM COOK` + colorReset + ` v` + buildinfo.Current().Version + `

  A director model reads what the Claude CLI does and decides what to tell
  it next. Ctrl+C hands control back to you at any time.

` + colorBold + `Modes:` + colorReset + `
  cook "add a --json flag"          Drive: run until the task is done
  cook --relentless "fix the tests" Relentless: never accept "done"
  cook                              Interactive: you type, /auto hands over
  cook --watch                      Watch: follow a session, chime in
  cook --passive                    Passive: follow a session silently

` + colorBold + `While paused:` + colorReset + `
  <text>   send a message to the worker
  /stay    keep manual control
  /auto    resume automatic driving
  /quit    exit`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runCook,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.cook/debug/ (or $COOK_DEBUG_LOG)")

	addRunFlags(rootCmd)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init(filepath.Join(config.Dir(), "debug"))
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "cook starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// addRunFlags declares the flags of a cook run on cmd.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.BoolP("watch", "w", false, "Watch the latest Claude session in this directory and chime in")
	f.BoolP("passive", "p", false, "Watch only, never intervene")
	f.Bool("relentless", false, "Keep driving even when the director says the task is done")
	f.Bool("no-aggressive", false, "Only act when necessary; stop when the director says done")
	f.String("mode", "", "Operating mode (drive, relentless, interactive, watch, passive)")
	f.StringP("model", "m", "", "Claude model (default from config, else sonnet)")
	f.Int("max-turns", -1, "Max automatic instructions, 0 = unlimited (default from config)")
	f.Duration("idle-timeout", 0, "Silence that closes a turn (default from config)")
	f.String("director-model", "", "Director model (default from config)")
	f.String("monitor", "", "Serve a read-only monitor on this address (e.g. 127.0.0.1:7345)")
	f.Bool("mdns", false, "Advertise the monitor on the local network via mDNS")
	f.Bool("qr", false, "Print a QR code for the monitor URL")
	f.Bool("no-store", false, "Do not persist the transcript")
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		debug.Close()
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
