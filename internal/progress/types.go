package progress

import (
	"time"
)

// Type identifies a progress phase. Unlike the domain event types this
// enumeration is open: viewers render unknown types generically, so new
// phases can be added without touching consumers.
type Type string

const (
	TypeTaskStarted        Type = "task_started"
	TypeAnalysisStarted    Type = "feature_analysis_started"
	TypeAnalysisCompleted  Type = "feature_analysis_completed"
	TypeChunkingStarted    Type = "chunking_started"
	TypeChunkingCompleted  Type = "chunking_completed"
	TypeChunkStarted       Type = "chunk_processing_started"
	TypeChunkCompleted     Type = "chunk_processing_completed"
	TypePRCreated          Type = "pr_created"
	TypePRMerged           Type = "pr_merged"
	TypeMergingStarted     Type = "merging_started"
	TypeMergingCompleted   Type = "merging_completed"
	TypeTaskCompleted      Type = "task_completed"
	TypeTaskFailed         Type = "task_failed"
	TypeTaskCancelled      Type = "task_cancelled"
	TypeErrorOccurred      Type = "error_occurred"
)

// Event is one append-only progress notification, keyed by task ID.
type Event struct {
	ID        string
	TaskID    string
	Type      Type
	Timestamp time.Time
	Payload   map[string]any
	Message   string // Optional human-readable message
}

// ChunkProgress is the per-chunk slice of a task summary.
type ChunkProgress struct {
	ChunkID           string
	Status            string
	Description       string
	Files             []string
	IntegrationHandle string
}

// Summary is a point-in-time view of a task's progress, derived by
// joining task and chunk state. Building one does not emit events.
type Summary struct {
	TaskID             string
	Status             string
	FeatureSpec        string
	RepoPath           string
	TotalChunks        int
	CompletedChunks    int
	Chunks             []ChunkProgress
	IntegrationHandles []string
	Percentage         float64
	CurrentPhase       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ErrorMessage       string
}
