package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/agusx1211/letthemcook/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Aliases: []string{"cfg"},
	Short:   "Show or create the cook configuration",
	Long: `Show the effective configuration (file, environment and defaults merged).

cook reads ~/.cook/config.toml, or config.yaml when no TOML file exists.
Set COOK_HOME to use another directory.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config.toml with the defaults",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config.toml")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	source := cfg.Source
	if source == "" {
		source = "(defaults, no file in " + config.Dir() + ")"
	}
	fmt.Fprintf(w, "%s# %s%s\n", colorDim, source, colorReset)

	shown := *cfg
	shown.Director.APIKey = maskSecret(shown.Director.APIKey)
	shown.Pushover.UserKey = maskSecret(shown.Pushover.UserKey)
	shown.Pushover.AppToken = maskSecret(shown.Pushover.AppToken)
	shown.Monitor.Token = maskSecret(shown.Monitor.Token)
	data, err := toml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	fmt.Fprint(w, string(data))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	dir := config.Dir()
	path := filepath.Join(dir, "config.toml")
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	cfg := config.Default()
	if err := config.Save(dir, cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n  %sWrote %s%s\n", styleBoldGreen, path, colorReset)
	if strings.TrimSpace(os.Getenv(config.EnvGoogleAPIKey)+os.Getenv(config.EnvGeminiAPIKey)) == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Set %s or [director] api_key to enable the director.\n", config.EnvGoogleAPIKey)
	}
	return nil
}
