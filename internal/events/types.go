package events

import (
	"time"
)

// Type identifies a domain event. The set is closed: coordination logic
// switches on these values, so new types require code changes.
type Type string

const (
	TypeAnalyzeFeature   Type = "analyze_feature"
	TypeFeatureAnalyzed  Type = "feature_analyzed"
	TypeChunksPlanned    Type = "chunks_planned"
	TypeChunkAssigned    Type = "chunk_assigned"
	TypeChunkStarted     Type = "chunk_started"
	TypeChunkCompleted   Type = "chunk_completed"
	TypeFileLocked       Type = "file_locked"
	TypeFileUnlocked     Type = "file_unlocked"
	TypeFilesModified    Type = "files_modified"
	TypePRCreated        Type = "pr_created"
	TypePRMerged         Type = "pr_merged"
	TypeMergePR          Type = "merge_pr"
	TypeFeatureCompleted Type = "feature_completed"
)

// Event is one immutable entry in the durable log. Events are created
// only by Log.Publish and are never mutated or deleted.
type Event struct {
	ID        string
	Type      Type
	Actor     string         // Originating actor (coordinator, worker id, ...)
	Payload   map[string]any // Structured, JSON-serializable
	Timestamp time.Time
}
