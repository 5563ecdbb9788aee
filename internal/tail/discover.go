package tail

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoSession is returned by Discover when the project has no session file.
var ErrNoSession = errors.New("tail: no session file found")

// DefaultProjectsDir is where the worker keeps per-project session logs.
func DefaultProjectsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tail: user home dir: %w", err)
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// ProjectKey maps a working directory to the worker's project directory name.
func ProjectKey(cwd string) string {
	return strings.ReplaceAll(filepath.Clean(cwd), "/", "-")
}

// SessionFile describes a discovered session log.
type SessionFile struct {
	Path    string
	ID      string
	ModTime time.Time
	Size    int64
}

// Discover returns the most recently modified non-empty session log for cwd
// under projectsDir.
func Discover(projectsDir, cwd string) (SessionFile, error) {
	dir := filepath.Join(projectsDir, ProjectKey(cwd))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SessionFile{}, fmt.Errorf("%w in %s", ErrNoSession, dir)
		}
		return SessionFile{}, fmt.Errorf("tail: read %s: %w", dir, err)
	}

	var best SessionFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		if best.Path == "" || info.ModTime().After(best.ModTime) {
			best = SessionFile{
				Path:    filepath.Join(dir, entry.Name()),
				ID:      strings.TrimSuffix(entry.Name(), ".jsonl"),
				ModTime: info.ModTime(),
				Size:    info.Size(),
			}
		}
	}
	if best.Path == "" {
		return SessionFile{}, fmt.Errorf("%w in %s", ErrNoSession, dir)
	}
	return best, nil
}
