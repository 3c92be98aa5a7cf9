package tasks

import (
	"time"
)

// Status represents the lifecycle state of a feature task.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusAnalyzing        Status = "analyzing"
	StatusChunking         Status = "chunking"
	StatusProcessingChunks Status = "processing_chunks"
	StatusMerging          Status = "merging"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks are
// read-only; the store does not enforce this, the Manager does.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one end-to-end feature request, decomposed into chunks that
// are tracked separately in the chunk store and referenced by ID prefix.
type Task struct {
	ID                 string
	RepoPath           string // Target location the feature is built into
	FeatureSpec        string // Original feature description
	Status             Status
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time // Set when the task reaches a terminal status
	ErrorMessage       string
	TotalChunks        int
	CompletedChunks    int
	IntegrationHandles []string // Opaque handles accumulated as chunks complete
}
