package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashdown/foreman/internal/progress"
)

// AppendProgress persists one progress event row. Append-only.
func (s *SQLiteStore) AppendProgress(ctx context.Context, ev progress.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling progress payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO progress_events (event_id, task_id, event_type, timestamp, payload, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.TaskID, string(ev.Type), ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(payload), nullable(ev.Message))
	if err != nil {
		return fmt.Errorf("failed to insert progress event: %w", err)
	}
	return nil
}

// ListProgress returns a task's progress events newest-first.
// limit <= 0 means no limit.
func (s *SQLiteStore) ListProgress(ctx context.Context, taskID string, limit int) ([]progress.Event, error) {
	query := progressSelect + ` WHERE task_id = ? ORDER BY timestamp DESC, rowid DESC`
	params := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		params = append(params, limit)
	}
	return s.queryProgress(ctx, query, params...)
}

// ListRecentProgress returns the most recent progress events across all
// tasks, newest-first.
func (s *SQLiteStore) ListRecentProgress(ctx context.Context, limit int) ([]progress.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryProgress(ctx,
		progressSelect+` ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
}

const progressSelect = `
	SELECT event_id, task_id, event_type, timestamp, payload, message
	FROM progress_events`

func (s *SQLiteStore) queryProgress(ctx context.Context, query string, params ...any) ([]progress.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress events: %w", err)
	}
	defer rows.Close()

	var out []progress.Event
	for rows.Next() {
		var ev progress.Event
		var typ, ts, payload string
		var msg sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TaskID, &typ, &ts, &payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}
		ev.Type = progress.Type(typ)
		ev.Message = msg.String
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing progress timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling progress payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
