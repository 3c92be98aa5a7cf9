package scheduler

import (
	"fmt"
	"time"
)

// ChunkStatus represents the lifecycle state of a chunk.
// Statuses are stored as text so the database stays readable.
type ChunkStatus string

const (
	ChunkPlanned    ChunkStatus = "planned"     // Created, waiting to be scheduled
	ChunkInProgress ChunkStatus = "in_progress" // Assigned to a worker, locks held
	ChunkComplete   ChunkStatus = "complete"    // Work produced, integration opened
	ChunkMerged     ChunkStatus = "merged"      // Integration completed
)

// transitions is the closed set of permitted status moves.
// A failed attempt reverts InProgress back to Planned so the chunk
// is picked up again on a later scheduling cycle.
var transitions = map[ChunkStatus][]ChunkStatus{
	ChunkPlanned:    {ChunkInProgress},
	ChunkInProgress: {ChunkComplete, ChunkPlanned},
	ChunkComplete:   {ChunkMerged},
	ChunkMerged:     {},
}

// CanTransition reports whether moving from s to next is permitted.
func (s ChunkStatus) CanTransition(next ChunkStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a status change violates the
// chunk state machine.
type ErrInvalidTransition struct {
	ChunkID string
	From    ChunkStatus
	To      ChunkStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("chunk %s: invalid transition %s -> %s", e.ChunkID, e.From, e.To)
}

// Chunk is an independently schedulable unit of work covering a specific
// file set, part of a larger feature. Chunk IDs are namespaced under the
// owning task ID so concurrent features never collide.
type Chunk struct {
	ID                string      // Unique, "<taskID>_<planID>"
	Description       string      // Human-readable summary of the work
	Status            ChunkStatus
	AssignedWorker    string      // Worker currently holding the chunk, empty if none
	Files             []string    // Relative paths this chunk will modify
	DependsOn         []string    // Chunk IDs that must merge before this chunk merges
	IntegrationHandle string      // Opaque handle (e.g. PR identifier), empty until Complete
}

// FileLock records exclusive ownership of one file path by one chunk.
// At most one lock row exists per path at any time.
type FileLock struct {
	Path     string
	Actor    string
	ChunkID  string
	LockedAt time.Time
}

// Clone returns a deep copy so callers can't mutate shared state.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Files != nil {
		cp.Files = append([]string(nil), c.Files...)
	}
	if c.DependsOn != nil {
		cp.DependsOn = append([]string(nil), c.DependsOn...)
	}
	return &cp
}
