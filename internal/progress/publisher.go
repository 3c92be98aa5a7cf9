package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashdown/foreman/internal/scheduler"
	"github.com/ashdown/foreman/internal/tasks"
)

// allTasks is the subscriber map key for subscribe-to-everything streams.
const allTasks = "__all__"

const defaultBufSize = 256

// Store is the durable backing for progress events. Implemented by the
// persistence layer.
type Store interface {
	AppendProgress(ctx context.Context, ev Event) error
	// ListProgress returns a task's progress events newest-first.
	// limit <= 0 means no limit.
	ListProgress(ctx context.Context, taskID string, limit int) ([]Event, error)
	// ListRecentProgress returns the most recent events across all tasks.
	ListRecentProgress(ctx context.Context, limit int) ([]Event, error)
}

// StateSource provides the task and chunk state a Summary joins over.
type StateSource interface {
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	ListChunksByPrefix(ctx context.Context, prefix string) ([]*scheduler.Chunk, error)
}

// Publisher persists progress events and fans them out to live
// subscriber channels. Live delivery is best-effort: a slow subscriber
// whose buffer is full misses events, but the persisted log remains
// complete and can always be polled instead.
type Publisher struct {
	store Store
	state StateSource

	mu     sync.Mutex
	subs   map[string][]chan Event // taskID (or allTasks) -> subscriber channels
	closed bool
}

// NewPublisher creates a progress publisher over the given store.
func NewPublisher(store Store, state StateSource) *Publisher {
	return &Publisher{
		store: store,
		state: state,
		subs:  make(map[string][]chan Event),
	}
}

// Publish persists a progress event and pushes it to every live
// subscriber of the task and to every subscribe-all stream. Sends are
// non-blocking; a full subscriber buffer drops the event.
func (p *Publisher) Publish(ctx context.Context, taskID string, typ Type, payload map[string]any, message string) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Message:   message,
	}

	if err := p.store.AppendProgress(ctx, ev); err != nil {
		return "", fmt.Errorf("appending progress event %s: %w", typ, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ev.ID, nil
	}
	for _, ch := range p.subs[taskID] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range p.subs[allTasks] {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev.ID, nil
}

// Subscribe returns a live stream of progress events for one task and a
// cancel function. Cancelling closes the channel and removes the
// subscription.
func (p *Publisher) Subscribe(taskID string) (<-chan Event, func()) {
	return p.subscribe(taskID)
}

// SubscribeAll returns a live stream of progress events for every task.
func (p *Publisher) SubscribeAll() (<-chan Event, func()) {
	return p.subscribe(allTasks)
}

func (p *Publisher) subscribe(key string) (<-chan Event, func()) {
	ch := make(chan Event, defaultBufSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	p.subs[key] = append(p.subs[key], ch)

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		chans := p.subs[key]
		for i, c := range chans {
			if c == ch {
				p.subs[key] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(p.subs[key]) == 0 {
			delete(p.subs, key)
		}
	}
	return ch, cancel
}

// Close shuts down the publisher, closing all subscriber channels.
// Idempotent.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, chans := range p.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	p.subs = make(map[string][]chan Event)
}

// Events returns a task's persisted progress events newest-first.
func (p *Publisher) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	return p.store.ListProgress(ctx, taskID, limit)
}

// Recent returns the most recent progress events across all tasks.
func (p *Publisher) Recent(ctx context.Context, limit int) ([]Event, error) {
	return p.store.ListRecentProgress(ctx, limit)
}

// Summary derives a point-in-time view of a task by joining its record
// with the chunks namespaced under it. Read-only; emits nothing.
func (p *Publisher) Summary(ctx context.Context, taskID string) (*Summary, error) {
	task, err := p.state.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}

	chunks, err := p.state.ListChunksByPrefix(ctx, taskID)
	if err != nil {
		return nil, err
	}

	rows := make([]ChunkProgress, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, ChunkProgress{
			ChunkID:           c.ID,
			Status:            string(c.Status),
			Description:       c.Description,
			Files:             c.Files,
			IntegrationHandle: c.IntegrationHandle,
		})
	}

	total := task.TotalChunks
	if total == 0 {
		total = len(chunks)
	}
	pct := 0.0
	if total > 0 {
		pct = float64(task.CompletedChunks) / float64(total) * 100
	}

	return &Summary{
		TaskID:             task.ID,
		Status:             string(task.Status),
		FeatureSpec:        task.FeatureSpec,
		RepoPath:           task.RepoPath,
		TotalChunks:        total,
		CompletedChunks:    task.CompletedChunks,
		Chunks:             rows,
		IntegrationHandles: task.IntegrationHandles,
		Percentage:         pct,
		CurrentPhase:       currentPhase(task.Status, chunks),
		CreatedAt:          task.CreatedAt,
		UpdatedAt:          task.UpdatedAt,
		ErrorMessage:       task.ErrorMessage,
	}, nil
}

// currentPhase renders a human-readable phase from the task status plus
// chunk status counts.
func currentPhase(status tasks.Status, chunks []*scheduler.Chunk) string {
	switch status {
	case tasks.StatusQueued:
		return "Queued"
	case tasks.StatusAnalyzing:
		return "Analyzing Feature"
	case tasks.StatusChunking:
		return "Planning Chunks"
	case tasks.StatusProcessingChunks:
		done := 0
		for _, c := range chunks {
			if c.Status == scheduler.ChunkComplete || c.Status == scheduler.ChunkMerged {
				done++
			}
		}
		return fmt.Sprintf("Processing Chunks (%d/%d)", done, len(chunks))
	case tasks.StatusMerging:
		return "Merging Pull Requests"
	case tasks.StatusCompleted:
		return "Completed"
	case tasks.StatusFailed:
		return "Failed"
	case tasks.StatusCancelled:
		return "Cancelled"
	}
	return "Unknown"
}
