package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ashdown/foreman/internal/scheduler"
)

// AcquireLocks atomically acquires locks for all given files on behalf
// of (actor, chunkID). All-or-nothing: if any file is already locked by
// anyone, no rows are inserted and false is returned. The check and the
// inserts share one exclusive window (store mutex plus a single
// serializable transaction), so for concurrent acquirers of overlapping
// sets exactly one wins per contested file.
func (s *SQLiteStore) AcquireLocks(ctx context.Context, actor, chunkID string, files []string) (bool, error) {
	if len(files) == 0 {
		return false, fmt.Errorf("acquire for chunk %s: empty file list", chunkID)
	}

	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(files)), ",")
	params := make([]any, len(files))
	for i, f := range files {
		params[i] = f
	}

	var held int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM file_locks WHERE file_path IN (%s)`, placeholders),
		params...,
	).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("failed to check existing locks: %w", err)
	}
	if held > 0 {
		// Contention is not an error; the caller defers to a later cycle.
		return false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, f := range files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_locks (file_path, actor, chunk_id, locked_at)
			VALUES (?, ?, ?, ?)
		`, f, actor, chunkID, now); err != nil {
			return false, fmt.Errorf("failed to insert lock for %s: %w", f, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock acquisition: %w", err)
	}
	return true, nil
}

// ReleaseLocks deletes all lock rows owned by (actor, chunkID).
// Idempotent: releasing locks that are not held is a no-op.
func (s *SQLiteStore) ReleaseLocks(ctx context.Context, actor, chunkID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_locks WHERE actor = ? AND chunk_id = ?`, actor, chunkID)
	if err != nil {
		return fmt.Errorf("failed to release locks for chunk %s: %w", chunkID, err)
	}
	return nil
}

// ListLocks returns currently held locks, optionally filtered by actor.
func (s *SQLiteStore) ListLocks(ctx context.Context, actor string) ([]scheduler.FileLock, error) {
	query := `SELECT file_path, actor, chunk_id, locked_at FROM file_locks`
	var params []any
	if actor != "" {
		query += ` WHERE actor = ?`
		params = append(params, actor)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	var locks []scheduler.FileLock
	for rows.Next() {
		var l scheduler.FileLock
		var ts string
		if err := rows.Scan(&l.Path, &l.Actor, &l.ChunkID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		if l.LockedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing lock timestamp: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// LockedPaths returns the set of currently locked file paths. This is
// the snapshot the availability resolver filters against.
func (s *SQLiteStore) LockedPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM file_locks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locked paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan locked path: %w", err)
		}
		paths[p] = struct{}{}
	}
	return paths, rows.Err()
}
