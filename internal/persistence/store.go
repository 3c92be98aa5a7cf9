package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ashdown/foreman/internal/events"
	"github.com/ashdown/foreman/internal/progress"
	"github.com/ashdown/foreman/internal/scheduler"
	"github.com/ashdown/foreman/internal/tasks"
)

// Store is the full persistence surface: the durable event log, the
// file-lock and chunk tables, the task table, and the progress stream.
// It aggregates the narrow per-consumer interfaces so the composition
// root can hand one object to everything.
type Store interface {
	events.Store
	progress.Store

	// File locks
	AcquireLocks(ctx context.Context, actor, chunkID string, files []string) (bool, error)
	ReleaseLocks(ctx context.Context, actor, chunkID string) error
	ListLocks(ctx context.Context, actor string) ([]scheduler.FileLock, error)
	LockedPaths(ctx context.Context) (map[string]struct{}, error)

	// Chunks
	CreateChunk(ctx context.Context, c scheduler.Chunk) error
	GetChunk(ctx context.Context, id string) (*scheduler.Chunk, error)
	ListChunks(ctx context.Context, status scheduler.ChunkStatus) ([]*scheduler.Chunk, error)
	ListChunksByPrefix(ctx context.Context, prefix string) ([]*scheduler.Chunk, error)
	UpdateChunkStatus(ctx context.Context, id string, status scheduler.ChunkStatus, worker, handle *string) error

	// Tasks
	tasks.Store

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// Serializes the check-then-insert window of AcquireLocks so exactly
	// one of several concurrent acquirers can win a contested file.
	acquireMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy
// timeout so concurrent readers don't fail under write load.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := "file::memory:?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
