package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTaskTerminal is returned when a caller attempts to modify a task
// that has already reached a terminal status.
var ErrTaskTerminal = errors.New("task is terminal")

// ErrNoQueuedTasks is returned by Next when the queue is empty.
var ErrNoQueuedTasks = errors.New("no queued tasks")

// Update describes a partial task update. Nil fields are left unchanged.
type Update struct {
	Status             *Status
	ErrorMessage       *string
	TotalChunks        *int
	CompletedChunks    *int
	IntegrationHandles *[]string
}

// Store is the durable backing for tasks. Implemented by the
// persistence layer. The store stamps updated_at on every write and
// completed_at when the new status is terminal; it does not enforce
// the state machine itself.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns tasks ordered by creation time, oldest first.
	// An empty status means no filter.
	ListTasks(ctx context.Context, status Status) ([]*Task, error)
	UpdateTask(ctx context.Context, id string, upd Update) error
	// NextQueuedTask returns the oldest queued task, or nil if none.
	NextQueuedTask(ctx context.Context) (*Task, error)
}

// Manager owns the task lifecycle: submission, the status state machine,
// the terminal-task guard, and the FIFO queue discipline. Exactly one
// task is actively processed at a time; Next hands out the oldest
// queued task.
type Manager struct {
	store Store
}

// NewManager creates a task lifecycle manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Submit creates a new queued task and returns its ID.
func (m *Manager) Submit(ctx context.Context, repoPath, featureSpec string) (string, error) {
	t := Task{
		ID:          uuid.NewString(),
		RepoPath:    repoPath,
		FeatureSpec: featureSpec,
		Status:      StatusQueued,
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("submitting task: %w", err)
	}
	return t.ID, nil
}

// Get returns the task with the given ID.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	return m.store.GetTask(ctx, id)
}

// List returns tasks oldest-first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status Status) ([]*Task, error) {
	return m.store.ListTasks(ctx, status)
}

// Active returns all non-terminal tasks, oldest first.
func (m *Manager) Active(ctx context.Context) ([]*Task, error) {
	all, err := m.store.ListTasks(ctx, "")
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, t := range all {
		if !t.Status.Terminal() {
			active = append(active, t)
		}
	}
	return active, nil
}

// Next returns the oldest queued task. Strict FIFO by creation time.
// Returns ErrNoQueuedTasks when the queue is empty.
func (m *Manager) Next(ctx context.Context) (*Task, error) {
	t, err := m.store.NextQueuedTask(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNoQueuedTasks
	}
	return t, nil
}

// Transition moves a task to a new status. Terminal tasks are read-only:
// any write against one returns ErrTaskTerminal.
func (m *Manager) Transition(ctx context.Context, id string, status Status) error {
	return m.update(ctx, id, Update{Status: &status})
}

// Fail transitions a task to failed with an error message.
func (m *Manager) Fail(ctx context.Context, id, message string) error {
	status := StatusFailed
	return m.update(ctx, id, Update{Status: &status, ErrorMessage: &message})
}

// Cancel transitions any non-terminal task to cancelled. Cancelling an
// already-terminal (or unknown) task is a no-op returning false.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil || t.Status.Terminal() {
		return false, nil
	}
	status := StatusCancelled
	if err := m.update(ctx, id, Update{Status: &status}); err != nil {
		return false, err
	}
	return true, nil
}

// SetTotalChunks records how many chunks the task was decomposed into.
func (m *Manager) SetTotalChunks(ctx context.Context, id string, total int) error {
	return m.update(ctx, id, Update{TotalChunks: &total})
}

// RecordChunkCompleted increments the completed-chunk counter and, if
// handle is non-empty, appends it to the task's integration handles.
func (m *Manager) RecordChunkCompleted(ctx context.Context, id, handle string) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found: %s", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("recording chunk on task %s: %w", id, ErrTaskTerminal)
	}
	completed := t.CompletedChunks + 1
	upd := Update{CompletedChunks: &completed}
	if handle != "" {
		handles := append(t.IntegrationHandles, handle)
		upd.IntegrationHandles = &handles
	}
	return m.store.UpdateTask(ctx, id, upd)
}

func (m *Manager) update(ctx context.Context, id string, upd Update) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found: %s", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("updating task %s: %w", id, ErrTaskTerminal)
	}
	return m.store.UpdateTask(ctx, id, upd)
}
