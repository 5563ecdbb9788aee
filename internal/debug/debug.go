// Package debug is the verbose structured logger used across cook.
//
// When enabled via --debug (or COOK_DEBUG), every significant event of a run
// is appended to one .log file under ~/.cook/debug/. Each line carries a
// wall-clock timestamp, elapsed time, goroutine ID, component, caller and the
// cook session it belongs to, followed by key=value context pairs, so a run
// can be reconstructed afterwards.
//
// When disabled (the default), all logging functions are no-ops.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// EnvEnabled turns debug logging on without --debug.
	EnvEnabled = "COOK_DEBUG"
	// EnvLogPath appends to this file instead of creating a new one.
	EnvLogPath = "COOK_DEBUG_LOG"
)

var (
	active   *Logger
	activeMu sync.RWMutex
)

// Logger writes structured debug lines to a file.
type Logger struct {
	mu        sync.Mutex
	out       io.WriteCloser
	path      string
	startedAt time.Time
	session   string
}

// Init opens a log under dir (or at $COOK_DEBUG_LOG) and makes it the
// global logger. A second call returns the path of the open log.
func Init(dir string) (string, error) {
	if p := Path(); p != "" {
		return p, nil
	}

	path, err := logPath(dir)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	now := time.Now()
	fmt.Fprintf(f, "=== COOK DEBUG LOG ===\nStarted: %s\nPID: %d\nArgs: %q\nGOMAXPROCS: %d\n===\n\n",
		now.Format(time.RFC3339Nano), os.Getpid(), os.Args, runtime.GOMAXPROCS(0))

	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		_ = f.Close()
		return active.path, nil
	}
	active = &Logger{out: f, path: path, startedAt: now}
	return path, nil
}

// Close writes the trailer and closes the log. Safe to call when not initialized.
func Close() {
	activeMu.Lock()
	l := active
	active = nil
	activeMu.Unlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "\n=== DEBUG LOG CLOSED === (duration=%s)\n", time.Since(l.startedAt).Round(time.Millisecond))
	_ = l.out.Close()
}

// SetSession tags every following line with the first eight characters of
// the cook session id.
func SetSession(id string) {
	l := current()
	if l == nil {
		return
	}
	if len(id) > 8 {
		id = id[:8]
	}
	l.mu.Lock()
	l.session = id
	l.mu.Unlock()
}

// Enabled reports whether the debug logger is active.
func Enabled() bool {
	return current() != nil
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	if l := current(); l != nil {
		return l.path
	}
	return ""
}

// ShouldEnableFromEnv reports whether the environment asks for debug logging.
// An explicit off value wins over a configured log path.
func ShouldEnableFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return strings.TrimSpace(os.Getenv(EnvLogPath)) != ""
}

// Log writes a debug line. No-op when debug is disabled.
func Log(component, msg string) {
	if l := current(); l != nil {
		l.write(component, msg)
	}
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	if l := current(); l != nil {
		l.write(component, fmt.Sprintf(format, args...))
	}
}

// LogKV writes a debug line with key-value context pairs.
// Usage: debug.LogKV("loop", "state changed", "from", "running", "to", "suspended")
func LogKV(component, msg string, kvs ...any) {
	l := current()
	if l == nil {
		return
	}
	l.write(component, msg+formatKV(kvs))
}

func formatKV(kvs []any) string {
	var b strings.Builder
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	if len(kvs)%2 == 1 {
		fmt.Fprintf(&b, " %v=?", kvs[len(kvs)-1])
	}
	return b.String()
}

func current() *Logger {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

// write is called two frames below the caller (Log/Logf/LogKV -> write).
func (l *Logger) write(component, msg string) {
	now := time.Now()
	caller := "??:0"
	if _, file, line, ok := runtime.Caller(2); ok {
		caller = fmt.Sprintf("%s:%d", shortenCaller(file), line)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	session := l.session
	if session == "" {
		session = "-"
	}
	// TIMESTAMP +ELAPSED [SESSION] [GID] [COMPONENT] CALLER | MESSAGE
	fmt.Fprintf(l.out, "%s +%12s [%-8s] [G%-6d] [%-10s] %-30s | %s\n",
		now.Format("15:04:05.000000"),
		now.Sub(l.startedAt).Truncate(time.Microsecond),
		session,
		goroutineID(),
		component,
		caller,
		msg,
	)
}

func shortenCaller(file string) string {
	for _, marker := range []string{"/internal/", "/cmd/"} {
		if idx := strings.LastIndex(file, marker); idx >= 0 {
			return file[idx+1:]
		}
	}
	return filepath.Base(file)
}

func logPath(dir string) (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvLogPath)); p != "" {
		dir = filepath.Dir(p)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
		}
		return p, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	id, _, _ := strings.Cut(uuid.NewString(), "-")
	return filepath.Join(dir, time.Now().Format("20060102T150405")+"_"+id+".log"), nil
}

// goroutineID parses the goroutine ID out of runtime.Stack. Debug mode only.
func goroutineID() int64 {
	var buf [64]byte
	s := string(buf[:runtime.Stack(buf[:], false)])
	s, ok := strings.CutPrefix(s, "goroutine ")
	if !ok {
		return 0
	}
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
