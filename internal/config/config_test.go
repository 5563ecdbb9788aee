package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvClaudeBin, EnvGoogleAPIKey, EnvGeminiAPIKey} {
		t.Setenv(k, "")
	}
}

func TestLoadDirDefaultsWhenMissing(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.Source != "" {
		t.Fatalf("Source = %q, want empty", cfg.Source)
	}
	if cfg.Worker.Command != "claude" || cfg.Director.Model != DefaultDirectorModel {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Loop.IdleTimeout.Std() != 3*time.Second || cfg.Loop.SendDelay.Std() != 2*time.Second {
		t.Fatalf("timings = %s / %s", cfg.Loop.IdleTimeout.Std(), cfg.Loop.SendDelay.Std())
	}
	if !cfg.IsAggressive() {
		t.Fatal("aggressive should default to true")
	}
	if cfg.Store.Path != filepath.Join(dir, "cook.db") {
		t.Fatalf("store path = %q", cfg.Store.Path)
	}
}

func TestLoadDirTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "config.toml", `
[worker]
command = "/opt/claude"
model = "opus"
args = ["--add-dir", "/tmp"]

[director]
retries = 5

[loop]
idle_timeout = "750ms"
send_delay = "0s"
max_turns = 12
aggressive = false

[pushover]
user_key = "u"
app_token = "a"
`)
	writeFile(t, dir, "config.yaml", "worker:\n  command: ignored\n")

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if !strings.HasSuffix(cfg.Source, "config.toml") {
		t.Fatalf("Source = %q, TOML should win", cfg.Source)
	}
	if cfg.Worker.Command != "/opt/claude" || cfg.Worker.Model != "opus" || len(cfg.Worker.Args) != 2 {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Director.Retries != 5 || cfg.Director.Model != DefaultDirectorModel {
		t.Fatalf("director = %+v", cfg.Director)
	}
	if cfg.Loop.IdleTimeout.Std() != 750*time.Millisecond || cfg.Loop.SendDelay.Std() != 0 || cfg.Loop.MaxTurns != 12 {
		t.Fatalf("loop = %+v", cfg.Loop)
	}
	if cfg.IsAggressive() {
		t.Fatal("explicit aggressive = false was overridden")
	}
	if !cfg.Pushover.Configured() {
		t.Fatal("pushover not configured")
	}
}

func TestLoadDirYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", `
director:
  model: gemini-2.5-pro
  api_key: from-file
loop:
  idle_timeout: 5s
monitor:
  addr: 127.0.0.1:7777
  mdns: true
`)
	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.Director.Model != "gemini-2.5-pro" || cfg.Director.APIKey != "from-file" {
		t.Fatalf("director = %+v", cfg.Director)
	}
	if cfg.Loop.IdleTimeout.Std() != 5*time.Second {
		t.Fatalf("idle = %s", cfg.Loop.IdleTimeout.Std())
	}
	if cfg.Monitor.Addr != "127.0.0.1:7777" || !cfg.Monitor.MDNS {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvClaudeBin, "/usr/local/bin/claude-dev")
	t.Setenv(EnvGeminiAPIKey, "gem-key")
	cfg, err := LoadDir(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.Worker.Command != "/usr/local/bin/claude-dev" {
		t.Fatalf("command = %q", cfg.Worker.Command)
	}
	if cfg.Director.APIKey != "gem-key" {
		t.Fatalf("api key = %q", cfg.Director.APIKey)
	}

	t.Setenv(EnvGoogleAPIKey, "google-key")
	cfg, _ = LoadDir(t.TempDir())
	if cfg.Director.APIKey != "google-key" {
		t.Fatalf("GOOGLE_API_KEY should take precedence, got %q", cfg.Director.APIKey)
	}
}

func TestLoadDirErrors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"bad toml", "config.toml", "[worker\ncommand=", "parse"},
		{"bad duration", "config.toml", "[loop]\nidle_timeout = \"soon\"", "parse"},
		{"negative turns", "config.yaml", "loop:\n  max_turns: -1\n", "max_turns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, tt.file, tt.content)
			_, err := LoadDir(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadDir() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg := Default()
	cfg.Worker.Model = "sonnet"
	cfg.Loop.MaxTurns = 4
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if got.Worker.Model != "sonnet" || got.Loop.MaxTurns != 4 || got.Loop.IdleTimeout != cfg.Loop.IdleTimeout {
		t.Fatalf("round trip = %+v", got)
	}
}
