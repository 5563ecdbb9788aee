package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/letthemcook/internal/config"
	"github.com/agusx1211/letthemcook/internal/notify"
)

var pushoverCmd = &cobra.Command{
	Use:   "pushover",
	Short: "Manage Pushover notification settings",
	Long:  "Configure Pushover credentials so cook can tell you when it needs you or is done.",
}

var pushoverSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure Pushover credentials",
	Long: `Set up Pushover integration by providing your User Key and Application Token.

You can find these at https://pushover.net:
  - User Key: shown on your Pushover dashboard
  - App Token: create an application at https://pushover.net/apps/build`,
	Args: cobra.NoArgs,
	RunE: pushoverSetup,
}

var pushoverTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test Pushover notification",
	Args:  cobra.NoArgs,
	RunE:  pushoverTest,
}

var pushoverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Pushover configuration status",
	Args:  cobra.NoArgs,
	RunE:  pushoverStatusFn,
}

func init() {
	pushoverSetupCmd.Flags().String("user-key", "", "Pushover user key")
	pushoverSetupCmd.Flags().String("app-token", "", "Pushover application token")
	pushoverCmd.AddCommand(pushoverSetupCmd, pushoverTestCmd, pushoverStatusCmd)
	configCmd.AddCommand(pushoverCmd)
}

func pushoverSetup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	userKey, _ := cmd.Flags().GetString("user-key")
	appToken, _ := cmd.Flags().GetString("app-token")

	reader := bufio.NewReader(cmd.InOrStdin())
	w := cmd.OutOrStdout()
	if userKey == "" {
		userKey = askSecret(reader, w, "Pushover User Key", cfg.Pushover.UserKey)
	}
	if appToken == "" {
		appToken = askSecret(reader, w, "Pushover App Token", cfg.Pushover.AppToken)
	}
	if userKey == "" || appToken == "" {
		return fmt.Errorf("both user key and app token are required")
	}

	cfg.Pushover.UserKey = userKey
	cfg.Pushover.AppToken = appToken
	if err := config.Save(config.Dir(), cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(w, "\n  %sPushover credentials saved to %s/config.toml%s\n", styleBoldGreen, config.Dir(), colorReset)
	return nil
}

// askSecret prompts for a value, keeping current on an empty answer.
func askSecret(r *bufio.Reader, w io.Writer, label, current string) string {
	prompt := "  " + label
	if current != "" {
		prompt += fmt.Sprintf(" [%s]", maskSecret(current))
	}
	fmt.Fprint(w, prompt+": ")
	input, _ := r.ReadString('\n')
	if input = strings.TrimSpace(input); input != "" {
		return input
	}
	return current
}

func pushoverTest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Pushover.Configured() {
		return fmt.Errorf("pushover not configured: run 'cook config pushover setup' first")
	}

	msg := notify.Message{
		Title:    "cook test",
		Body:     "This is a test notification from cook.",
		Priority: notify.PriorityNormal,
	}

	w := cmd.OutOrStdout()
	fmt.Fprint(w, "  Sending test notification... ")
	if err := notify.NewPushover(cfg.Pushover).Send(cmd.Context(), msg); err != nil {
		fmt.Fprintln(w)
		return fmt.Errorf("test failed: %w", err)
	}
	fmt.Fprintf(w, "%sOK%s\n", styleBoldGreen, colorReset)
	return nil
}

func pushoverStatusFn(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	w := cmd.OutOrStdout()
	printHeader(w, "Pushover")
	if cfg.Pushover.Configured() {
		printField(w, "User Key", maskSecret(cfg.Pushover.UserKey))
		printField(w, "App Token", maskSecret(cfg.Pushover.AppToken))
		printFieldColored(w, "Status", "configured", colorGreen)
	} else {
		printFieldColored(w, "Status", "not configured", colorYellow)
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  Run %scook config pushover setup%s to configure.\n", styleBoldWhite, colorReset)
	}
	return nil
}
