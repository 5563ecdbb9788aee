// Package config loads user preferences from ~/.cook.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("3s", "500ms") in both
// file formats.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// WorkerConfig selects and tunes the worker CLI.
type WorkerConfig struct {
	Command        string   `toml:"command,omitempty" yaml:"command,omitempty"`
	Model          string   `toml:"model,omitempty" yaml:"model,omitempty"`
	Args           []string `toml:"args,omitempty" yaml:"args,omitempty"`
	InterruptGrace Duration `toml:"interrupt_grace,omitempty" yaml:"interrupt_grace,omitempty"`
}

// DirectorConfig configures the decision service.
type DirectorConfig struct {
	Model   string `toml:"model,omitempty" yaml:"model,omitempty"`
	APIKey  string `toml:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `toml:"base_url,omitempty" yaml:"base_url,omitempty"`
	Retries int    `toml:"retries,omitempty" yaml:"retries,omitempty"`
}

// LoopConfig holds orchestration defaults. Flags override them.
type LoopConfig struct {
	IdleTimeout  Duration `toml:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	SendDelay    Duration `toml:"send_delay,omitempty" yaml:"send_delay,omitempty"`
	MaxTurns     int      `toml:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	WindowEvents int      `toml:"window_events,omitempty" yaml:"window_events,omitempty"`
	WindowTurns  int      `toml:"window_turns,omitempty" yaml:"window_turns,omitempty"`
	// Aggressive is a pointer so an explicit false survives defaults.
	Aggressive *bool `toml:"aggressive,omitempty" yaml:"aggressive,omitempty"`
}

// PushoverConfig holds Pushover notification credentials.
type PushoverConfig struct {
	UserKey  string `toml:"user_key,omitempty" yaml:"user_key,omitempty"`   // Pushover user/group key
	AppToken string `toml:"app_token,omitempty" yaml:"app_token,omitempty"` // Pushover application API token
}

// Configured returns true if Pushover credentials are set.
func (p PushoverConfig) Configured() bool {
	return p.UserKey != "" && p.AppToken != ""
}

// MonitorConfig configures the read-only HTTP observer.
type MonitorConfig struct {
	Addr  string `toml:"addr,omitempty" yaml:"addr,omitempty"`
	Token string `toml:"token,omitempty" yaml:"token,omitempty"`
	MDNS  bool   `toml:"mdns,omitempty" yaml:"mdns,omitempty"`
}

// StoreConfig locates the transcript database.
type StoreConfig struct {
	Path     string `toml:"path,omitempty" yaml:"path,omitempty"`
	Disabled bool   `toml:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Config is the whole of ~/.cook/config.{toml,yaml}.
type Config struct {
	Worker   WorkerConfig   `toml:"worker" yaml:"worker"`
	Director DirectorConfig `toml:"director" yaml:"director"`
	Loop     LoopConfig     `toml:"loop" yaml:"loop"`
	Pushover PushoverConfig `toml:"pushover" yaml:"pushover"`
	Monitor  MonitorConfig  `toml:"monitor" yaml:"monitor"`
	Store    StoreConfig    `toml:"store" yaml:"store"`

	// Source is the file the config was read from, empty for defaults.
	Source string `toml:"-" yaml:"-"`
}

// Defaults.
const (
	DefaultWorkerCommand  = "claude"
	DefaultWorkerModel    = "sonnet"
	DefaultDirectorModel  = "gemini-2.0-flash"
	DefaultDirectorRetry  = 3
	DefaultIdleTimeout    = 3 * time.Second
	DefaultSendDelay      = 2 * time.Second
	DefaultInterruptGrace = 5 * time.Second
	DefaultWindowEvents   = 200
)

// Env overrides.
const (
	EnvClaudeBin    = "COOK_CLAUDE_BIN"
	EnvGoogleAPIKey = "GOOGLE_API_KEY"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvHome         = "COOK_HOME"
)

// Default returns the built-in configuration.
func Default() *Config {
	aggressive := true
	return &Config{
		Worker: WorkerConfig{
			Command:        DefaultWorkerCommand,
			Model:          DefaultWorkerModel,
			InterruptGrace: Duration(DefaultInterruptGrace),
		},
		Director: DirectorConfig{
			Model:   DefaultDirectorModel,
			Retries: DefaultDirectorRetry,
		},
		Loop: LoopConfig{
			IdleTimeout:  Duration(DefaultIdleTimeout),
			SendDelay:    Duration(DefaultSendDelay),
			WindowEvents: DefaultWindowEvents,
			Aggressive:   &aggressive,
		},
	}
}

// Dir returns the cook state directory (~/.cook, or $COOK_HOME).
func Dir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".cook")
}

// Load reads the config from Dir() and applies env overrides. A missing
// file yields the defaults.
func Load() (*Config, error) {
	return LoadDir(Dir())
}

// LoadDir reads config.toml or config.yaml from dir. TOML wins when both
// exist.
func LoadDir(dir string) (*Config, error) {
	cfg := Default()
	for _, name := range []string{"config.toml", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
		cfg.Source = path
		break
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(dir)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	var err error
	if strings.HasSuffix(path, ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if bin := strings.TrimSpace(getenv(EnvClaudeBin)); bin != "" {
		c.Worker.Command = bin
	}
	if c.Director.APIKey == "" {
		for _, key := range []string{EnvGoogleAPIKey, EnvGeminiAPIKey} {
			if v := strings.TrimSpace(getenv(key)); v != "" {
				c.Director.APIKey = v
				break
			}
		}
	}
}

// applyDefaults fills zero values a partial file left behind.
func (c *Config) applyDefaults(dir string) {
	def := Default()
	if c.Worker.Command == "" {
		c.Worker.Command = def.Worker.Command
	}
	if c.Worker.Model == "" {
		c.Worker.Model = def.Worker.Model
	}
	if c.Worker.InterruptGrace <= 0 {
		c.Worker.InterruptGrace = def.Worker.InterruptGrace
	}
	if c.Director.Model == "" {
		c.Director.Model = def.Director.Model
	}
	if c.Director.Retries <= 0 {
		c.Director.Retries = def.Director.Retries
	}
	if c.Loop.IdleTimeout <= 0 {
		c.Loop.IdleTimeout = def.Loop.IdleTimeout
	}
	if c.Loop.Aggressive == nil {
		c.Loop.Aggressive = def.Loop.Aggressive
	}
	if c.Loop.WindowEvents <= 0 {
		c.Loop.WindowEvents = def.Loop.WindowEvents
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(dir, "cook.db")
	}
}

func (c *Config) validate() error {
	if c.Loop.MaxTurns < 0 {
		return fmt.Errorf("loop.max_turns must not be negative, got %d", c.Loop.MaxTurns)
	}
	if c.Loop.SendDelay < 0 {
		return fmt.Errorf("loop.send_delay must not be negative, got %s", c.Loop.SendDelay.Std())
	}
	if c.Loop.WindowTurns < 0 {
		return fmt.Errorf("loop.window_turns must not be negative, got %d", c.Loop.WindowTurns)
	}
	return nil
}

// IsAggressive reports the effective aggressive setting.
func (c *Config) IsAggressive() bool {
	return c.Loop.Aggressive == nil || *c.Loop.Aggressive
}

// Save writes cfg as TOML to dir/config.toml.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
