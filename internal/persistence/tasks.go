package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashdown/foreman/internal/tasks"
)

// CreateTask inserts a new task row. Created/updated timestamps are
// stamped here so the FIFO queue ordering is decided by the store.
func (s *SQLiteStore) CreateTask(ctx context.Context, t tasks.Task) error {
	handles, err := json.Marshal(t.IntegrationHandles)
	if err != nil {
		return fmt.Errorf("marshaling integration handles: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, repo_path, feature_spec, status, created_at, updated_at,
			completed_at, error_message, total_chunks, completed_chunks, integration_handles)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)
	`, t.ID, t.RepoPath, t.FeatureSpec, string(t.Status), now, now,
		nullable(t.ErrorMessage), t.TotalChunks, t.CompletedChunks, string(handles))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task with the given ID, or nil if not found.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by creation time, oldest first,
// optionally filtered by status.
func (s *SQLiteStore) ListTasks(ctx context.Context, status tasks.Status) ([]*tasks.Task, error) {
	query := taskSelect
	var params []any
	if status != "" {
		query += ` WHERE status = ?`
		params = append(params, string(status))
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextQueuedTask returns the oldest queued task, or nil when the queue
// is empty.
func (s *SQLiteStore) NextQueuedTask(ctx context.Context) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx,
		taskSelect+` WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		string(tasks.StatusQueued))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query next queued task: %w", err)
	}
	return t, nil
}

// UpdateTask applies a partial update. Only non-nil fields change.
// updated_at is always stamped; completed_at is stamped when the new
// status is terminal.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, upd tasks.Update) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	updates := []string{"updated_at = ?"}
	params := []any{now}

	if upd.Status != nil {
		updates = append(updates, "status = ?")
		params = append(params, string(*upd.Status))
		if upd.Status.Terminal() {
			updates = append(updates, "completed_at = ?")
			params = append(params, now)
		}
	}
	if upd.ErrorMessage != nil {
		updates = append(updates, "error_message = ?")
		params = append(params, nullable(*upd.ErrorMessage))
	}
	if upd.TotalChunks != nil {
		updates = append(updates, "total_chunks = ?")
		params = append(params, *upd.TotalChunks)
	}
	if upd.CompletedChunks != nil {
		updates = append(updates, "completed_chunks = ?")
		params = append(params, *upd.CompletedChunks)
	}
	if upd.IntegrationHandles != nil {
		handles, err := json.Marshal(*upd.IntegrationHandles)
		if err != nil {
			return fmt.Errorf("marshaling integration handles: %w", err)
		}
		updates = append(updates, "integration_handles = ?")
		params = append(params, string(handles))
	}
	params = append(params, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE task_id = ?`, strings.Join(updates, ", ")), params...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

const taskSelect = `
	SELECT task_id, repo_path, feature_spec, status, created_at, updated_at,
		completed_at, error_message, total_chunks, completed_chunks, integration_handles
	FROM tasks`

func scanTask(row rowScanner) (*tasks.Task, error) {
	t := &tasks.Task{}
	var status, created, updated, handles string
	var completed, errMsg sql.NullString

	err := row.Scan(&t.ID, &t.RepoPath, &t.FeatureSpec, &status, &created, &updated,
		&completed, &errMsg, &t.TotalChunks, &t.CompletedChunks, &handles)
	if err != nil {
		return nil, err
	}

	t.Status = tasks.Status(status)
	t.ErrorMessage = errMsg.String
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if completed.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completed.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	if err := json.Unmarshal([]byte(handles), &t.IntegrationHandles); err != nil {
		return nil, fmt.Errorf("unmarshaling integration handles: %w", err)
	}
	return t, nil
}
