// Package collab declares the external collaborators the coordinator
// drives: feature decomposition, content generation, and integration
// (version-control hosting). These are opaque capabilities; the real
// implementations live outside this module.
package collab

import (
	"context"
	"errors"
)

// ChunkPlan is one planned unit of work produced by decomposition.
// IDs are plan-local; the coordinator namespaces them under the task ID
// before chunks are created.
type ChunkPlan struct {
	ID          string
	Description string
	Files       []string
	DependsOn   []string
}

// Changeset is the output of generating code for one chunk.
type Changeset struct {
	Files         map[string]string // relative path -> new contents
	CommitMessage string
}

// Planner decomposes a feature description into chunk plans.
type Planner interface {
	Decompose(ctx context.Context, featureSpec, repoStructure string) ([]ChunkPlan, error)
}

// Generator produces file edits for one chunk.
type Generator interface {
	Generate(ctx context.Context, chunkID, description string, files []string) (Changeset, error)
}

// Integrator wraps version-control/hosting operations: opening an
// integration (branch + commit + PR) and completing it (merge).
type Integrator interface {
	Open(ctx context.Context, chunkID string, cs Changeset) (handle string, err error)
	Complete(ctx context.Context, handle string) error
}

// fatalError marks a collaborator failure as non-retryable.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so IsFatal reports true. Collaborators return fatal
// errors for failures that retrying cannot fix (bad input, permanent
// rejection); everything else is treated as transient.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
