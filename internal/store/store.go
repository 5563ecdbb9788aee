// Package store persists sessions, their transcript Events and raw worker
// I/O recordings in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/agusx1211/letthemcook/internal/debug"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("store: not found")

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    task TEXT NOT NULL DEFAULT '',
    workdir TEXT NOT NULL DEFAULT '',
    worker_session TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    turns INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    ended_at TEXT
);

CREATE TABLE IF NOT EXISTS events (
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    created_at TEXT NOT NULL,
    payload TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS recordings (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    turn INTEGER NOT NULL,
    type TEXT NOT NULL,
    data TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS recordings_session_turn ON recordings (session_id, turn);
`

// batchSize is how many Events are buffered before an automatic flush.
const batchSize = 32

// Store wraps the database handle.
type Store struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	pending map[string][]eventRow
}

// DefaultPath returns ~/.cook/cook.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: user home dir: %w", err)
	}
	return filepath.Join(home, ".cook", "cook.db"), nil
}

// Open opens (creating if needed) the database at path with WAL journaling
// and a 5-second busy timeout, and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps batched transactions and readers consistent.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}

	debug.LogKV("store", "opened", "path", path)
	return &Store{db: db, path: path, pending: make(map[string][]eventRow)}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close flushes every buffered Event and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Flush(id); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}
