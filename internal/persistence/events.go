package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashdown/foreman/internal/events"
)

// AppendEvent persists one immutable event row. The log is append-only:
// rows are never updated or deleted.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, event_type, actor, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Type), ev.Actor, string(payload), ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// QueryEvents returns events newest-first, optionally filtered by type
// and/or actor (zero values mean no filter).
func (s *SQLiteStore) QueryEvents(ctx context.Context, typ events.Type, actor string) ([]events.Event, error) {
	query := `SELECT event_id, event_type, actor, payload, timestamp FROM events`
	var conditions []string
	var params []any

	if typ != "" {
		conditions = append(conditions, "event_type = ?")
		params = append(params, string(typ))
	}
	if actor != "" {
		conditions = append(conditions, "actor = ?")
		params = append(params, actor)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY timestamp DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var typStr, payload, ts string
		if err := rows.Scan(&ev.ID, &typStr, &ev.Actor, &payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = events.Type(typStr)
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling event payload: %w", err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
