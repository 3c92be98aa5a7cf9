package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ashdown/foreman/internal/collab"
	"github.com/ashdown/foreman/internal/events"
	"github.com/ashdown/foreman/internal/persistence"
	"github.com/ashdown/foreman/internal/progress"
	"github.com/ashdown/foreman/internal/scheduler"
	"github.com/ashdown/foreman/internal/tasks"
)

// actorID identifies the coordinator in the event log.
const actorID = "coordinator"

// workerRole is the worker each assigned chunk is handed to. Chunk work
// runs in-process, so a single role name is enough to attribute locks
// and events.
const workerRole = "chunk_worker"

// RepoLister returns a filtered file listing of the target repository.
// Repository enumeration is an external concern; the session only needs
// the resulting listing to feed decomposition.
type RepoLister func(repoPath string) (string, error)

// Config tunes the coordinator loop.
type Config struct {
	PollInterval      time.Duration // Scheduling cycle interval (default 5s)
	WorkerConcurrency int           // Max chunks worked on concurrently (default 4)
	Retry             RetryConfig
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		WorkerConcurrency: 4,
		Retry:             DefaultRetryConfig(),
	}
}

// Session drives one feature task at a time from submission to
// completion. All of its state is explicit (store handles, collaborator
// interfaces, config) so independent sessions can coexist in tests.
type Session struct {
	store      persistence.Store
	log        *events.Log
	progress   *progress.Publisher
	tasks      *tasks.Manager
	planner    collab.Planner
	generator  collab.Generator
	integrator collab.Integrator
	repoList   RepoLister
	breakers   *BreakerRegistry
	cfg        Config
}

// New creates a coordinator session.
func New(store persistence.Store, eventLog *events.Log, pub *progress.Publisher, mgr *tasks.Manager,
	planner collab.Planner, generator collab.Generator, integrator collab.Integrator,
	repoList RepoLister, cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	return &Session{
		store:      store,
		log:        eventLog,
		progress:   pub,
		tasks:      mgr,
		planner:    planner,
		generator:  generator,
		integrator: integrator,
		repoList:   repoList,
		breakers:   NewBreakerRegistry(),
		cfg:        cfg,
	}
}

// Run processes queued tasks strictly one at a time, oldest first, until
// the context is cancelled. An empty queue is polled at the configured
// interval.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.ProcessNext(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, tasks.ErrNoQueuedTasks) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Task-level failures are recorded on the task; keep serving the queue.
		log.Printf("ERROR: task processing: %v", err)
	}
}

// ProcessNext picks the oldest queued task and drives it to a terminal
// status. Returns tasks.ErrNoQueuedTasks when the queue is empty.
func (s *Session) ProcessNext(ctx context.Context) error {
	task, err := s.tasks.Next(ctx)
	if err != nil {
		return err
	}
	return s.runTask(ctx, task)
}

// runTask walks one task through its phases: analyze, chunk, process,
// merge, complete. Task-scoped failures mark the task failed; the error
// is also returned for the caller's log.
func (s *Session) runTask(ctx context.Context, task *tasks.Task) error {
	s.publishProgress(ctx, task.ID, progress.TypeTaskStarted, map[string]any{
		"repo_path": task.RepoPath,
	}, "Task processing started")

	chunks, err := s.planChunks(ctx, task)
	if err != nil {
		return s.failTask(ctx, task.ID, err)
	}

	if err := s.tasks.Transition(ctx, task.ID, tasks.StatusProcessingChunks); err != nil {
		return s.failTask(ctx, task.ID, err)
	}

	if err := s.processChunks(ctx, task.ID, len(chunks)); err != nil {
		if errors.Is(err, errTaskCancelled) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.failTask(ctx, task.ID, err)
	}

	if err := s.tasks.Transition(ctx, task.ID, tasks.StatusCompleted); err != nil {
		return err
	}
	if _, err := s.log.Publish(ctx, events.TypeFeatureCompleted, actorID, map[string]any{
		"task_id": task.ID,
	}); err != nil {
		log.Printf("WARNING: publishing feature_completed: %v", err)
	}
	s.publishProgress(ctx, task.ID, progress.TypeTaskCompleted, nil, "Feature implementation completed")
	return nil
}

// planChunks runs the analyze and chunking phases: decompose the feature,
// validate the plan, and create the chunk records namespaced under the
// task ID.
func (s *Session) planChunks(ctx context.Context, task *tasks.Task) ([]*scheduler.Chunk, error) {
	if err := s.tasks.Transition(ctx, task.ID, tasks.StatusAnalyzing); err != nil {
		return nil, err
	}
	s.publishProgress(ctx, task.ID, progress.TypeAnalysisStarted, nil, "Analyzing feature")

	structure := ""
	if s.repoList != nil {
		var err error
		structure, err = s.repoList(task.RepoPath)
		if err != nil {
			return nil, fmt.Errorf("listing repository structure: %w", err)
		}
	}

	if _, err := s.log.Publish(ctx, events.TypeAnalyzeFeature, actorID, map[string]any{
		"task_id":      task.ID,
		"feature_spec": task.FeatureSpec,
	}); err != nil {
		return nil, err
	}

	plans, err := callWithRetry(ctx, s.breakers.Get("planner"), s.cfg.Retry,
		func(ctx context.Context) ([]collab.ChunkPlan, error) {
			return s.planner.Decompose(ctx, task.FeatureSpec, structure)
		})
	if err != nil {
		return nil, fmt.Errorf("decomposing feature: %w", err)
	}

	if _, err := s.log.Publish(ctx, events.TypeFeatureAnalyzed, actorID, map[string]any{
		"task_id":     task.ID,
		"chunk_count": len(plans),
	}); err != nil {
		return nil, err
	}
	s.publishProgress(ctx, task.ID, progress.TypeAnalysisCompleted, map[string]any{
		"chunk_count": len(plans),
	}, "")

	if err := s.tasks.Transition(ctx, task.ID, tasks.StatusChunking); err != nil {
		return nil, err
	}
	s.publishProgress(ctx, task.ID, progress.TypeChunkingStarted, nil, "Planning chunks")

	chunks := namespacePlans(task.ID, plans)
	if _, err := scheduler.ValidatePlan(chunks); err != nil {
		return nil, fmt.Errorf("validating chunk plan: %w", err)
	}

	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if err := s.store.CreateChunk(ctx, *c); err != nil {
			return nil, fmt.Errorf("creating chunk %s: %w", c.ID, err)
		}
		ids = append(ids, c.ID)
	}

	if err := s.tasks.SetTotalChunks(ctx, task.ID, len(chunks)); err != nil {
		return nil, err
	}
	if _, err := s.log.Publish(ctx, events.TypeChunksPlanned, actorID, map[string]any{
		"task_id":      task.ID,
		"total_chunks": len(chunks),
		"chunk_ids":    ids,
	}); err != nil {
		return nil, err
	}
	s.publishProgress(ctx, task.ID, progress.TypeChunkingCompleted, map[string]any{
		"total_chunks": len(chunks),
	}, fmt.Sprintf("Planned %d chunks", len(chunks)))

	return chunks, nil
}

// namespacePlans converts chunk plans into chunk records with IDs (and
// dependency references) prefixed by the task ID, so chunks from
// different tasks never collide in the shared store.
func namespacePlans(taskID string, plans []collab.ChunkPlan) []*scheduler.Chunk {
	chunks := make([]*scheduler.Chunk, 0, len(plans))
	for _, p := range plans {
		deps := make([]string, 0, len(p.DependsOn))
		for _, dep := range p.DependsOn {
			deps = append(deps, taskID+"_"+dep)
		}
		chunks = append(chunks, &scheduler.Chunk{
			ID:          taskID + "_" + p.ID,
			Description: p.Description,
			Status:      scheduler.ChunkPlanned,
			Files:       append([]string(nil), p.Files...),
			DependsOn:   deps,
		})
	}
	return chunks
}

// failTask marks the task failed with the error message and emits the
// corresponding progress event. The original error is returned so the
// caller can log it.
func (s *Session) failTask(ctx context.Context, taskID string, cause error) error {
	if err := s.tasks.Fail(ctx, taskID, cause.Error()); err != nil {
		// A cancelled task is already terminal; nothing more to record.
		if errors.Is(err, tasks.ErrTaskTerminal) {
			return cause
		}
		log.Printf("ERROR: marking task %s failed: %v", taskID, err)
	}
	s.publishProgress(ctx, taskID, progress.TypeTaskFailed, map[string]any{
		"error": cause.Error(),
	}, cause.Error())
	return cause
}

// publishProgress emits a progress event, logging instead of failing:
// progress is observability, not control flow.
func (s *Session) publishProgress(ctx context.Context, taskID string, typ progress.Type, payload map[string]any, message string) {
	if _, err := s.progress.Publish(ctx, taskID, typ, payload, message); err != nil {
		log.Printf("WARNING: publishing progress %s for task %s: %v", typ, taskID, err)
	}
}
