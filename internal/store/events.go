package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgeline/foreman/internal/events"
)

// AppendEvent persists one event and returns its assigned sequence number.
// The insert is synchronous and committed before returning, so an
// acknowledged event survives a crash. Implements events.Journal.
func (s *Store) AppendEvent(ctx context.Context, e events.Event) (int64, error) {
	meta := "{}"
	if len(e.Meta) > 0 {
		raw, err := json.Marshal(e.Meta)
		if err != nil {
			return 0, fmt.Errorf("encoding event metadata: %w", err)
		}
		meta = string(raw)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (task_id, phase, level, message, meta, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.Phase, string(e.Level), e.Message, meta, e.At)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event sequence: %w", err)
	}
	return seq, nil
}

// EventsSince returns a task's events with Seq greater than afterSeq, in
// sequence order. Implements events.Journal.
func (s *Store) EventsSince(ctx context.Context, taskID string, afterSeq int64) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, task_id, phase, level, message, meta, at
		FROM events WHERE task_id = ? AND seq > ? ORDER BY seq
	`, taskID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var level, meta string
		if err := rows.Scan(&e.Seq, &e.TaskID, &e.Phase, &level, &e.Message, &meta, &e.At); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Level = events.Level(level)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
				return nil, fmt.Errorf("decoding event metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}
