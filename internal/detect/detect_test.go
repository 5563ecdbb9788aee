package detect

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "claude", input: "2.0.14 (Claude Code)", want: "2.0.14"},
		{name: "prefixed", input: "claude v1.3.0-beta.1", want: "1.3.0-beta.1"},
		{name: "fallback first line", input: "version unknown\nextra", want: "version unknown"},
		{name: "empty", input: "  \n", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseVersion(tt.input)
			if got != tt.want {
				t.Fatalf("parseVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWorkerFindsBinaryOnPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script-based detection test is unix-only")
	}

	tmp := t.TempDir()
	mustWriteVersionScript(t, filepath.Join(tmp, "claude"), "1.0.72")
	t.Setenv("PATH", tmp)

	bin, err := Worker("claude")
	if err != nil {
		t.Fatalf("Worker() error = %v", err)
	}
	if bin.Name != "claude" || filepath.Dir(bin.Path) != mustEval(t, tmp) {
		t.Fatalf("Worker() = %+v", bin)
	}
	if bin.Version != "1.0.72" {
		t.Fatalf("version = %q, want 1.0.72", bin.Version)
	}
}

func TestWorkerExplicitPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script-based detection test is unix-only")
	}

	tmp := t.TempDir()
	path := filepath.Join(tmp, "my-claude")
	mustWriteVersionScript(t, path, "3.1.0")

	bin, err := Worker(path)
	if err != nil {
		t.Fatalf("Worker() error = %v", err)
	}
	if bin.Path != mustEval(t, path) || bin.Version != "3.1.0" {
		t.Fatalf("Worker() = %+v", bin)
	}
}

func TestWorkerNotFound(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("PATH", tmp)
	t.Setenv("HOME", tmp)

	notExec := filepath.Join(tmp, "claude-data")
	if err := os.WriteFile(notExec, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, cmd := range []string{"", "cook-missing-worker", notExec, tmp} {
		if _, err := Worker(cmd); !errors.Is(err, ErrNotFound) {
			t.Errorf("Worker(%q) error = %v, want ErrNotFound", cmd, err)
		}
	}
}

func mustEval(t *testing.T, p string) string {
	t.Helper()
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		t.Fatalf("EvalSymlinks(%s): %v", p, err)
	}
	abs, err := filepath.Abs(real)
	if err != nil {
		t.Fatal(err)
	}
	return abs
}

func mustWriteVersionScript(t *testing.T, path, version string) {
	t.Helper()

	content := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ] || [ \"$1\" = \"-v\" ]; then\n" +
		"  echo \"" + version + " (Claude Code)\"\n" +
		"  exit 0\n" +
		"fi\n" +
		"echo \"ok\"\n"

	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", path, err)
	}
}
