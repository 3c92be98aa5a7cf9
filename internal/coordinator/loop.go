package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashdown/foreman/internal/collab"
	"github.com/ashdown/foreman/internal/events"
	"github.com/ashdown/foreman/internal/progress"
	"github.com/ashdown/foreman/internal/scheduler"
	"github.com/ashdown/foreman/internal/tasks"
)

// errTaskCancelled stops the chunk loop when the task was cancelled
// externally. Observed cooperatively at cycle boundaries.
var errTaskCancelled = errors.New("task cancelled")

// processChunks is the scheduling/merge engine for one task. Each cycle
// it assigns available chunks, works them concurrently, merges
// merge-eligible completed chunks, and checks for completion. A failure
// inside one cycle is logged and retried on the next poll; the loop only
// stops on completion, cancellation, or context shutdown.
func (s *Session) processChunks(ctx context.Context, taskID string, total int) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := s.cycle(ctx, taskID, total)
		if err != nil {
			if errors.Is(err, errTaskCancelled) || ctx.Err() != nil {
				return err
			}
			log.Printf("WARNING: scheduling cycle for task %s: %v", taskID, err)
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cycle runs one scheduling pass. Returns done=true once every chunk of
// the task has merged.
func (s *Session) cycle(ctx context.Context, taskID string, total int) (bool, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, fmt.Errorf("task disappeared: %s", taskID)
	}
	if task.Status == tasks.StatusCancelled {
		s.publishProgress(ctx, taskID, progress.TypeTaskCancelled, nil, "Task cancelled")
		return false, errTaskCancelled
	}
	if task.Status.Terminal() {
		return false, fmt.Errorf("task %s reached %s outside the coordinator", taskID, task.Status)
	}

	chunks, err := s.store.ListChunksByPrefix(ctx, taskID)
	if err != nil {
		return false, err
	}
	locked, err := s.store.LockedPaths(ctx)
	if err != nil {
		return false, err
	}

	// Assignment: lock, mark in progress, hand to a worker goroutine.
	// Lock failure is contention, not an error; the chunk stays planned
	// and is reconsidered next cycle.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WorkerConcurrency)

	for _, c := range scheduler.Available(chunks, locked) {
		assigned, err := s.assignChunk(ctx, taskID, c)
		if err != nil {
			log.Printf("WARNING: assigning chunk %s: %v", c.ID, err)
			continue
		}
		if !assigned {
			continue
		}
		chunk := c
		g.Go(func() error {
			s.runChunk(gctx, taskID, chunk)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	// Enter the merging phase before the merge pass so the transition is
	// observable even when every merge lands in this same cycle.
	if err := s.enterMergingIfReady(ctx, taskID, total); err != nil {
		return false, err
	}

	if err := s.mergePass(ctx, taskID); err != nil {
		return false, err
	}

	return s.checkCompletion(ctx, taskID, total)
}

// assignChunk acquires the chunk's file locks and marks it in progress.
// Returns false without error when the locks are contended.
func (s *Session) assignChunk(ctx context.Context, taskID string, c *scheduler.Chunk) (bool, error) {
	ok, err := s.store.AcquireLocks(ctx, workerRole, c.ID, c.Files)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if _, err := s.log.Publish(ctx, events.TypeFileLocked, workerRole, map[string]any{
		"chunk_id": c.ID,
		"files":    c.Files,
	}); err != nil {
		log.Printf("WARNING: publishing file_locked for %s: %v", c.ID, err)
	}

	worker := workerRole
	if err := s.store.UpdateChunkStatus(ctx, c.ID, scheduler.ChunkInProgress, &worker, nil); err != nil {
		// Roll the locks back so the chunk isn't wedged.
		if relErr := s.releaseChunkLocks(ctx, c.ID); relErr != nil {
			log.Printf("ERROR: releasing locks after failed assignment of %s: %v", c.ID, relErr)
		}
		return false, err
	}

	if _, err := s.log.Publish(ctx, events.TypeChunkAssigned, actorID, map[string]any{
		"task_id":     taskID,
		"chunk_id":    c.ID,
		"description": c.Description,
		"files":       c.Files,
		"worker":      workerRole,
	}); err != nil {
		log.Printf("WARNING: publishing chunk_assigned for %s: %v", c.ID, err)
	}
	return true, nil
}

// runChunk executes one assigned chunk: generate the changeset, open an
// integration, mark the chunk complete, release its locks. Failures are
// chunk-scoped: the chunk reverts to planned (retried by a later cycle)
// and the task keeps going.
func (s *Session) runChunk(ctx context.Context, taskID string, c *scheduler.Chunk) {
	if _, err := s.log.Publish(ctx, events.TypeChunkStarted, workerRole, map[string]any{
		"chunk_id": c.ID,
	}); err != nil {
		log.Printf("WARNING: publishing chunk_started for %s: %v", c.ID, err)
	}
	s.publishProgress(ctx, taskID, progress.TypeChunkStarted, map[string]any{
		"chunk_id":    c.ID,
		"description": c.Description,
	}, fmt.Sprintf("Processing chunk: %s", c.Description))

	cs, err := callWithRetry(ctx, s.breakers.Get("generator"), s.cfg.Retry,
		func(ctx context.Context) (collab.Changeset, error) {
			return s.generator.Generate(ctx, c.ID, c.Description, c.Files)
		})
	if err != nil {
		s.revertChunk(ctx, taskID, c.ID, fmt.Errorf("generating chunk %s: %w", c.ID, err))
		return
	}

	modified := make([]string, 0, len(cs.Files))
	for path := range cs.Files {
		modified = append(modified, path)
	}
	if _, err := s.log.Publish(ctx, events.TypeFilesModified, workerRole, map[string]any{
		"chunk_id": c.ID,
		"files":    modified,
	}); err != nil {
		log.Printf("WARNING: publishing files_modified for %s: %v", c.ID, err)
	}

	handle, err := callWithRetry(ctx, s.breakers.Get("integrator"), s.cfg.Retry,
		func(ctx context.Context) (string, error) {
			return s.integrator.Open(ctx, c.ID, cs)
		})
	if err != nil {
		s.revertChunk(ctx, taskID, c.ID, fmt.Errorf("opening integration for chunk %s: %w", c.ID, err))
		return
	}

	if err := s.store.UpdateChunkStatus(ctx, c.ID, scheduler.ChunkComplete, nil, &handle); err != nil {
		s.revertChunk(ctx, taskID, c.ID, fmt.Errorf("completing chunk %s: %w", c.ID, err))
		return
	}

	if _, err := s.log.Publish(ctx, events.TypePRCreated, workerRole, map[string]any{
		"chunk_id": c.ID,
		"handle":   handle,
	}); err != nil {
		log.Printf("WARNING: publishing pr_created for %s: %v", c.ID, err)
	}
	if _, err := s.log.Publish(ctx, events.TypeChunkCompleted, workerRole, map[string]any{
		"chunk_id": c.ID,
		"handle":   handle,
	}); err != nil {
		log.Printf("WARNING: publishing chunk_completed for %s: %v", c.ID, err)
	}
	s.publishProgress(ctx, taskID, progress.TypePRCreated, map[string]any{
		"chunk_id": c.ID,
		"handle":   handle,
	}, "")

	if err := s.releaseChunkLocks(ctx, c.ID); err != nil {
		log.Printf("ERROR: releasing locks for chunk %s: %v", c.ID, err)
	}

	if err := s.tasks.RecordChunkCompleted(ctx, taskID, handle); err != nil {
		log.Printf("ERROR: recording completed chunk %s: %v", c.ID, err)
	}
	s.publishProgress(ctx, taskID, progress.TypeChunkCompleted, map[string]any{
		"chunk_id": c.ID,
	}, "")
}

// revertChunk puts a failed chunk back to planned and frees its locks so
// the next scheduling cycle can retry it.
func (s *Session) revertChunk(ctx context.Context, taskID, chunkID string, cause error) {
	log.Printf("WARNING: %v (chunk reverted to planned)", cause)

	empty := ""
	if err := s.store.UpdateChunkStatus(ctx, chunkID, scheduler.ChunkPlanned, &empty, nil); err != nil {
		log.Printf("ERROR: reverting chunk %s: %v", chunkID, err)
	}
	if err := s.releaseChunkLocks(ctx, chunkID); err != nil {
		log.Printf("ERROR: releasing locks for reverted chunk %s: %v", chunkID, err)
	}
	s.publishProgress(ctx, taskID, progress.TypeErrorOccurred, map[string]any{
		"chunk_id": chunkID,
		"error":    cause.Error(),
	}, cause.Error())
}

// releaseChunkLocks frees the chunk's file locks and records the
// unlocking in the event log.
func (s *Session) releaseChunkLocks(ctx context.Context, chunkID string) error {
	if err := s.store.ReleaseLocks(ctx, workerRole, chunkID); err != nil {
		return err
	}
	if _, err := s.log.Publish(ctx, events.TypeFileUnlocked, workerRole, map[string]any{
		"chunk_id": chunkID,
	}); err != nil {
		log.Printf("WARNING: publishing file_unlocked for %s: %v", chunkID, err)
	}
	return nil
}

// mergePass integrates completed chunks whose dependencies have all
// merged, in the order discovered. A chunk that is complete but not yet
// merge-eligible stays complete; this is what enforces merge ordering.
func (s *Session) mergePass(ctx context.Context, taskID string) error {
	chunks, err := s.store.ListChunksByPrefix(ctx, taskID)
	if err != nil {
		return err
	}

	for _, c := range scheduler.MergeEligible(chunks) {
		if c.IntegrationHandle == "" {
			// Should not happen: chunks only reach complete with a handle.
			log.Printf("WARNING: chunk %s complete without integration handle", c.ID)
			continue
		}

		if _, err := s.log.Publish(ctx, events.TypeMergePR, actorID, map[string]any{
			"chunk_id": c.ID,
			"handle":   c.IntegrationHandle,
		}); err != nil {
			log.Printf("WARNING: publishing merge_pr for %s: %v", c.ID, err)
		}

		_, err := callWithRetry(ctx, s.breakers.Get("integrator"), s.cfg.Retry,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, s.integrator.Complete(ctx, c.IntegrationHandle)
			})
		if err != nil {
			// Transient integration failure: the chunk stays complete and
			// is retried on a later cycle.
			log.Printf("WARNING: merging chunk %s: %v", c.ID, err)
			continue
		}

		if err := s.store.UpdateChunkStatus(ctx, c.ID, scheduler.ChunkMerged, nil, nil); err != nil {
			return err
		}
		if _, err := s.log.Publish(ctx, events.TypePRMerged, actorID, map[string]any{
			"chunk_id": c.ID,
			"handle":   c.IntegrationHandle,
		}); err != nil {
			log.Printf("WARNING: publishing pr_merged for %s: %v", c.ID, err)
		}
		s.publishProgress(ctx, taskID, progress.TypePRMerged, map[string]any{
			"chunk_id": c.ID,
			"handle":   c.IntegrationHandle,
		}, "")
	}
	return nil
}

// enterMergingIfReady moves the task into the merging phase once every
// chunk's work is done. Runs before the merge pass each cycle.
func (s *Session) enterMergingIfReady(ctx context.Context, taskID string, total int) error {
	chunks, err := s.store.ListChunksByPrefix(ctx, taskID)
	if err != nil {
		return err
	}
	if len(chunks) < total {
		return nil
	}
	for _, c := range chunks {
		if c.Status != scheduler.ChunkComplete && c.Status != scheduler.ChunkMerged {
			return nil
		}
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != tasks.StatusProcessingChunks {
		return nil
	}
	if err := s.tasks.Transition(ctx, taskID, tasks.StatusMerging); err != nil {
		return err
	}
	s.publishProgress(ctx, taskID, progress.TypeMergingStarted, nil, "Merging pull requests")
	return nil
}

// checkCompletion reports whether every chunk of the task has merged.
func (s *Session) checkCompletion(ctx context.Context, taskID string, total int) (bool, error) {
	chunks, err := s.store.ListChunksByPrefix(ctx, taskID)
	if err != nil {
		return false, err
	}
	if len(chunks) < total {
		return false, fmt.Errorf("task %s: expected %d chunks, store has %d", taskID, total, len(chunks))
	}

	if !scheduler.AllMerged(chunks) {
		return false, nil
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status == tasks.StatusMerging {
		s.publishProgress(ctx, taskID, progress.TypeMergingCompleted, nil, "")
	}
	return true, nil
}
