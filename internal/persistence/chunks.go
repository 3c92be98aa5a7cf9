package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashdown/foreman/internal/scheduler"
)

// CreateChunk inserts a new chunk row. File and dependency lists are
// stored JSON-serialized.
func (s *SQLiteStore) CreateChunk(ctx context.Context, c scheduler.Chunk) error {
	files, err := json.Marshal(c.Files)
	if err != nil {
		return fmt.Errorf("marshaling chunk files: %w", err)
	}
	deps, err := json.Marshal(c.DependsOn)
	if err != nil {
		return fmt.Errorf("marshaling chunk dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (chunk_id, description, status, assigned_worker, files, dependencies, integration_handle)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Description, string(c.Status), nullable(c.AssignedWorker), string(files), string(deps), nullable(c.IntegrationHandle))
	if err != nil {
		return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
	}
	return nil
}

// GetChunk returns the chunk with the given ID, or nil if not found.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*scheduler.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, description, status, assigned_worker, files, dependencies, integration_handle
		FROM chunks WHERE chunk_id = ?
	`, id)

	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk %s: %w", id, err)
	}
	return c, nil
}

// ListChunks returns all chunks, optionally filtered by status.
func (s *SQLiteStore) ListChunks(ctx context.Context, status scheduler.ChunkStatus) ([]*scheduler.Chunk, error) {
	query := `SELECT chunk_id, description, status, assigned_worker, files, dependencies, integration_handle FROM chunks`
	var params []any
	if status != "" {
		query += ` WHERE status = ?`
		params = append(params, string(status))
	}
	return s.queryChunks(ctx, query, params...)
}

// ListChunksByPrefix returns all chunks whose ID is namespaced under the
// given prefix (normally a task ID).
func (s *SQLiteStore) ListChunksByPrefix(ctx context.Context, prefix string) ([]*scheduler.Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT chunk_id, description, status, assigned_worker, files, dependencies, integration_handle
		FROM chunks WHERE chunk_id LIKE ? ESCAPE '\'
	`, escapeLike(prefix)+"%")
}

// UpdateChunkStatus performs a partial chunk update: status always,
// assigned worker and integration handle only when non-nil. The status
// change is validated against the chunk state machine inside the same
// transaction that applies it.
func (s *SQLiteStore) UpdateChunkStatus(ctx context.Context, id string, status scheduler.ChunkStatus, worker, handle *string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM chunks WHERE chunk_id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("chunk not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read chunk status: %w", err)
	}

	from := scheduler.ChunkStatus(current)
	if from != status && !from.CanTransition(status) {
		return &scheduler.ErrInvalidTransition{ChunkID: id, From: from, To: status}
	}

	updates := []string{"status = ?"}
	params := []any{string(status)}
	if worker != nil {
		updates = append(updates, "assigned_worker = ?")
		params = append(params, nullable(*worker))
	}
	if handle != nil {
		updates = append(updates, "integration_handle = ?")
		params = append(params, nullable(*handle))
	}
	params = append(params, id)

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE chunks SET %s WHERE chunk_id = ?`, strings.Join(updates, ", ")), params...)
	if err != nil {
		return fmt.Errorf("failed to update chunk %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, params ...any) ([]*scheduler.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*scheduler.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*scheduler.Chunk, error) {
	c := &scheduler.Chunk{}
	var status, files, deps string
	var worker, handle sql.NullString

	if err := row.Scan(&c.ID, &c.Description, &status, &worker, &files, &deps, &handle); err != nil {
		return nil, err
	}

	c.Status = scheduler.ChunkStatus(status)
	c.AssignedWorker = worker.String
	c.IntegrationHandle = handle.String
	if err := json.Unmarshal([]byte(files), &c.Files); err != nil {
		return nil, fmt.Errorf("unmarshaling chunk files: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &c.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshaling chunk dependencies: %w", err)
	}
	return c, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// escapeLike escapes LIKE metacharacters so a prefix containing % or _
// matches literally (the query declares ESCAPE '\').
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
