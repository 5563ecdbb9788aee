package store

import (
	"context"
	"fmt"
	"time"
)

// RecordingEvent is one raw I/O chunk captured around a worker process.
type RecordingEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // "stdin", "stdout", "stderr", "meta", "worker_stream"
	Data      string    `json:"data"`
}

// AppendRecordingEvent persists one recording chunk for a session turn.
func (s *Store) AppendRecordingEvent(sessionID string, turn int, ev RecordingEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO recordings (session_id, turn, type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, turn, ev.Type, ev.Data, formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append recording %s/%d: %w", sessionID, turn, err)
	}
	return nil
}

// Recording returns the chunks of one turn in insertion order. A negative
// turn returns every turn of the session.
func (s *Store) Recording(ctx context.Context, sessionID string, turn int) ([]RecordingEvent, error) {
	query := `SELECT type, data, created_at FROM recordings WHERE session_id = ?`
	args := []any{sessionID}
	if turn >= 0 {
		query += ` AND turn = ?`
		args = append(args, turn)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recording %s/%d: %w", sessionID, turn, err)
	}
	defer rows.Close()

	var out []RecordingEvent
	for rows.Next() {
		var (
			ev      RecordingEvent
			created string
		)
		if err := rows.Scan(&ev.Type, &ev.Data, &created); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		ev.Timestamp = parseTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
