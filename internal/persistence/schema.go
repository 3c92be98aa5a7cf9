package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		actor TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor);

	CREATE TABLE IF NOT EXISTS file_locks (
		file_path TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		locked_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_file_locks_owner ON file_locks(actor, chunk_id);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		assigned_worker TEXT,
		files TEXT NOT NULL,
		dependencies TEXT NOT NULL,
		integration_handle TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		repo_path TEXT NOT NULL,
		feature_spec TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		error_message TEXT,
		total_chunks INTEGER NOT NULL DEFAULT 0,
		completed_chunks INTEGER NOT NULL DEFAULT 0,
		integration_handles TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);

	CREATE TABLE IF NOT EXISTS progress_events (
		event_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		payload TEXT NOT NULL,
		message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_progress_task_id ON progress_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_progress_timestamp ON progress_events(timestamp);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
