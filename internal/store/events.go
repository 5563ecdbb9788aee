package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/stream"
)

type eventRow struct {
	seq       uint64
	kind      string
	createdAt string
	payload   string
}

// WriteEvent buffers ev for transcriptID. Buffers are written in one
// transaction once batchSize Events are pending, or on Flush.
func (s *Store) WriteEvent(transcriptID string, ev stream.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}

	s.mu.Lock()
	s.pending[transcriptID] = append(s.pending[transcriptID], eventRow{
		seq:       ev.Seq,
		kind:      string(ev.Kind),
		createdAt: formatTime(ev.Time),
		payload:   string(payload),
	})
	full := len(s.pending[transcriptID]) >= batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(transcriptID)
	}
	return nil
}

// Flush writes every buffered Event of transcriptID.
func (s *Store) Flush(transcriptID string) error {
	s.mu.Lock()
	rows := s.pending[transcriptID]
	delete(s.pending, transcriptID)
	s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flush %s: begin: %w", transcriptID, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO events (session_id, seq, kind, created_at, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("flush %s: prepare: %w", transcriptID, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, transcriptID, int64(r.seq), r.kind, r.createdAt, r.payload); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("flush %s: insert seq %d: %w", transcriptID, r.seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush %s: commit: %w", transcriptID, err)
	}
	debug.LogKV("store", "events flushed", "session", transcriptID, "count", len(rows))
	return nil
}

// Events returns the stored Events of a session in sequence order. Buffered
// Events are flushed first.
func (s *Store) Events(ctx context.Context, sessionID string) ([]stream.Event, error) {
	if err := s.Flush(sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, created_at, payload FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("events %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []stream.Event
	for rows.Next() {
		var (
			seq     int64
			kind    string
			created string
			payload string
		)
		if err := rows.Scan(&seq, &kind, &created, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := stream.Event{Seq: uint64(seq), Kind: stream.Kind(kind), Time: parseTime(created)}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
