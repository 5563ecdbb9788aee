package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusStopped  = "stopped"
	StatusFailed   = "failed"
)

// Session is the metadata of one cook run.
type Session struct {
	ID            string
	Mode          string
	Task          string
	WorkDir       string
	WorkerSession string
	Status        string
	Turns         int
	StartedAt     time.Time
	EndedAt       *time.Time
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, mode, task, workdir, worker_session, status, turns, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Mode, sess.Task, sess.WorkDir, sess.WorkerSession, sess.Status, sess.Turns, formatTime(sess.StartedAt))
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// SetWorkerSession records the worker's own session id once it is known.
func (s *Store) SetWorkerSession(ctx context.Context, id, workerSession string) error {
	return s.update(ctx, id, `UPDATE sessions SET worker_session = ? WHERE id = ?`, workerSession, id)
}

// SetTurns records the number of completed turns.
func (s *Store) SetTurns(ctx context.Context, id string, turns int) error {
	return s.update(ctx, id, `UPDATE sessions SET turns = ? WHERE id = ?`, turns, id)
}

// FinishSession marks the session ended with status.
func (s *Store) FinishSession(ctx context.Context, id, status string) error {
	return s.update(ctx, id, `UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, status, formatTime(time.Now().UTC()), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, mode, task, workdir, worker_session, status, turns, started_at, ended_at`

// GetSession loads one session. A unique prefix of the id is accepted.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? OR id LIKE ? ORDER BY id = ? DESC LIMIT 2`,
		id, id+"%", id)
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	defer rows.Close()

	var found []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return Session{}, err
		}
		found = append(found, sess)
	}
	if err := rows.Err(); err != nil {
		return Session{}, err
	}
	switch {
	case len(found) == 0:
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	case found[0].ID == id || len(found) == 1:
		return found[0], nil
	default:
		return Session{}, fmt.Errorf("session prefix %q is ambiguous", id)
	}
}

// ListSessions returns the most recent sessions first. limit <= 0 means all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess    Session
		started string
		ended   sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.Mode, &sess.Task, &sess.WorkDir, &sess.WorkerSession, &sess.Status, &sess.Turns, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = parseTime(started)
	if ended.Valid && ended.String != "" {
		t := parseTime(ended.String)
		sess.EndedAt = &t
	}
	return sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
