package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashdown/foreman/internal/collab"
	"github.com/ashdown/foreman/internal/events"
	"github.com/ashdown/foreman/internal/persistence"
	"github.com/ashdown/foreman/internal/progress"
	"github.com/ashdown/foreman/internal/scheduler"
	"github.com/ashdown/foreman/internal/tasks"
)

type fakePlanner struct {
	plans []collab.ChunkPlan
	err   error
}

func (p *fakePlanner) Decompose(ctx context.Context, featureSpec, repoStructure string) ([]collab.ChunkPlan, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.plans, nil
}

// fakeGenerator produces trivial file contents. The fail hook, when set,
// is consulted per call with the chunk ID and attempt number.
type fakeGenerator struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(chunkID string, attempt int) error
}

func (g *fakeGenerator) Generate(ctx context.Context, chunkID, description string, files []string) (collab.Changeset, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[chunkID]++
	attempt := g.calls[chunkID]
	hook := g.fail
	g.mu.Unlock()

	if hook != nil {
		if err := hook(chunkID, attempt); err != nil {
			return collab.Changeset{}, err
		}
	}

	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f] = "content for " + chunkID + "\n"
	}
	return collab.Changeset{Files: out, CommitMessage: "implement " + description}, nil
}

func (g *fakeGenerator) attempts(chunkID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[chunkID]
}

// fakeIntegrator records opens and merges in call order. Handles are
// derived from the chunk ID so assertions can map them back.
type fakeIntegrator struct {
	mu     sync.Mutex
	opened []string
	merged []string
}

func (f *fakeIntegrator) Open(ctx context.Context, chunkID string, cs collab.Changeset) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := "handle-" + chunkID
	f.opened = append(f.opened, handle)
	return handle, nil
}

func (f *fakeIntegrator) Complete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, handle)
	return nil
}

func (f *fakeIntegrator) mergeOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.merged...)
}

type testHarness struct {
	session *Session
	store   *persistence.SQLiteStore
	manager *tasks.Manager
	pub     *progress.Publisher
}

func newHarness(t *testing.T, planner collab.Planner, gen collab.Generator, integ collab.Integrator) *testHarness {
	t.Helper()

	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	pub := progress.NewPublisher(store, store)
	t.Cleanup(func() {
		pub.Close()
		store.Close()
	})

	mgr := tasks.NewManager(store)
	cfg := Config{
		PollInterval:      5 * time.Millisecond,
		WorkerConcurrency: 4,
		Retry: RetryConfig{
			InitialInterval:     time.Millisecond,
			MaxInterval:         5 * time.Millisecond,
			MaxElapsedTime:      50 * time.Millisecond,
			Multiplier:          2.0,
			RandomizationFactor: 0,
		},
	}
	session := New(store, events.NewLog(store), pub, mgr,
		planner, gen, integ,
		func(repoPath string) (string, error) { return "main.go\nutil.go", nil },
		cfg)

	return &testHarness{session: session, store: store, manager: mgr, pub: pub}
}

// drainQueue cancels leftover queued tasks; the in-memory database is
// shared within the test process.
func (h *testHarness) drainQueue(t *testing.T) {
	t.Helper()
	for {
		next, err := h.manager.Next(context.Background())
		if errors.Is(err, tasks.ErrNoQueuedTasks) {
			return
		}
		if err != nil {
			t.Fatalf("draining queue: %v", err)
		}
		if _, err := h.manager.Cancel(context.Background(), next.ID); err != nil {
			t.Fatalf("draining queue: %v", err)
		}
	}
}

func threeChunkPlan() []collab.ChunkPlan {
	return []collab.ChunkPlan{
		{ID: "a", Description: "write model", Files: []string{"x.txt"}},
		{ID: "b", Description: "write handler", Files: []string{"y.txt"}, DependsOn: []string{"a"}},
		{ID: "c", Description: "write docs", Files: []string{"x.txt"}},
	}
}

// TestSession_CompletesTask drives a three-chunk plan with a file
// conflict and a dependency end to end and checks the terminal state.
func TestSession_CompletesTask(t *testing.T) {
	planner := &fakePlanner{plans: threeChunkPlan()}
	gen := &fakeGenerator{}
	integ := &fakeIntegrator{}
	h := newHarness(t, planner, gen, integ)
	h.drainQueue(t)
	ctx := context.Background()

	taskID, err := h.manager.Submit(ctx, "/repo", "add widget support")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := h.session.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}

	task, err := h.manager.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", task.Status, task.ErrorMessage)
	}
	if task.CompletedChunks != 3 || task.TotalChunks != 3 {
		t.Errorf("chunks = %d/%d, want 3/3", task.CompletedChunks, task.TotalChunks)
	}
	if len(task.IntegrationHandles) != 3 {
		t.Errorf("handles = %v, want 3", task.IntegrationHandles)
	}
	if task.CompletedAt == nil {
		t.Error("completed task missing completed_at")
	}

	chunks, err := h.store.ListChunksByPrefix(ctx, taskID)
	if err != nil {
		t.Fatalf("ListChunksByPrefix failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.Status != scheduler.ChunkMerged {
			t.Errorf("chunk %s status = %s, want merged", c.ID, c.Status)
		}
		if c.IntegrationHandle == "" {
			t.Errorf("chunk %s missing integration handle", c.ID)
		}
	}

	// No locks left behind.
	locked, err := h.store.LockedPaths(ctx)
	if err != nil {
		t.Fatalf("LockedPaths failed: %v", err)
	}
	for path := range locked {
		if path == "x.txt" || path == "y.txt" {
			t.Errorf("file %s still locked after completion", path)
		}
	}
}

// TestSession_MergingPhaseObserved verifies a task passes through the
// merging phase on the way to completion, even when every merge lands in
// the same cycle that finished the chunk work.
func TestSession_MergingPhaseObserved(t *testing.T) {
	planner := &fakePlanner{plans: threeChunkPlan()}
	h := newHarness(t, planner, &fakeGenerator{}, &fakeIntegrator{})
	h.drainQueue(t)
	ctx := context.Background()

	taskID, err := h.manager.Submit(ctx, "/repo", "merge phase visibility")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := h.session.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}

	task, _ := h.manager.Get(ctx, taskID)
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", task.Status, task.ErrorMessage)
	}

	// Events come back newest first; walk them oldest first to check the
	// phase ordering.
	evs, err := h.pub.Events(ctx, taskID, 200)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	startedAt, completedAt := -1, -1
	for i := len(evs) - 1; i >= 0; i-- {
		pos := len(evs) - 1 - i
		switch evs[i].Type {
		case progress.TypeMergingStarted:
			startedAt = pos
		case progress.TypeMergingCompleted:
			completedAt = pos
		}
	}
	if startedAt == -1 {
		t.Fatal("no merging_started progress event")
	}
	if completedAt == -1 {
		t.Fatal("no merging_completed progress event")
	}
	if startedAt > completedAt {
		t.Errorf("merging_started (%d) after merging_completed (%d)", startedAt, completedAt)
	}
}

// TestSession_MergeRespectsDependencies verifies a dependent chunk is
// never merged before its dependency.
func TestSession_MergeRespectsDependencies(t *testing.T) {
	planner := &fakePlanner{plans: threeChunkPlan()}
	integ := &fakeIntegrator{}
	h := newHarness(t, planner, &fakeGenerator{}, integ)
	h.drainQueue(t)
	ctx := context.Background()

	taskID, err := h.manager.Submit(ctx, "/repo", "ordered merges")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := h.session.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}

	order := integ.mergeOrder()
	posA, posB := -1, -1
	for i, handle := range order {
		switch handle {
		case "handle-" + taskID + "_a":
			posA = i
		case "handle-" + taskID + "_b":
			posB = i
		}
	}
	if posA == -1 || posB == -1 {
		t.Fatalf("merge order missing a or b: %v", order)
	}
	if posB < posA {
		t.Fatalf("dependent chunk merged before its dependency: %v", order)
	}
}

// TestSession_ChunkFailureRetried verifies a chunk whose generation
// fails is reverted to planned and picked up again, without failing the
// task.
func TestSession_ChunkFailureRetried(t *testing.T) {
	planner := &fakePlanner{plans: []collab.ChunkPlan{
		{ID: "a", Description: "flaky chunk", Files: []string{"flaky.go"}},
	}}
	gen := &fakeGenerator{}
	gen.fail = func(chunkID string, attempt int) error {
		if strings.HasSuffix(chunkID, "_a") && attempt == 1 {
			// Fatal skips in-call retries, so the failure surfaces as a
			// chunk revert and the retry happens on a later cycle.
			return collab.Fatal(errors.New("generation rejected"))
		}
		return nil
	}
	h := newHarness(t, planner, gen, &fakeIntegrator{})
	h.drainQueue(t)
	ctx := context.Background()

	taskID, err := h.manager.Submit(ctx, "/repo", "flaky feature")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := h.session.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}

	task, _ := h.manager.Get(ctx, taskID)
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", task.Status, task.ErrorMessage)
	}
	if got := gen.attempts(taskID + "_a"); got < 2 {
		t.Errorf("generator called %d times, want at least 2", got)
	}

	// The failure left a trace in the progress feed.
	evs, err := h.pub.Events(ctx, taskID, 100)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	sawError := false
	for _, ev := range evs {
		if ev.Type == progress.TypeErrorOccurred {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no error_occurred progress event for the failed attempt")
	}
}

// TestSession_PlannerFailureFailsTask verifies a fatal decomposition
// failure marks the task failed with the cause recorded.
func TestSession_PlannerFailureFailsTask(t *testing.T) {
	planner := &fakePlanner{err: collab.Fatal(errors.New("spec too vague"))}
	h := newHarness(t, planner, &fakeGenerator{}, &fakeIntegrator{})
	h.drainQueue(t)
	ctx := context.Background()

	taskID, err := h.manager.Submit(ctx, "/repo", "unplannable feature")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := h.session.ProcessNext(ctx); err == nil {
		t.Fatal("expected ProcessNext to surface the planning failure")
	}

	task, _ := h.manager.Get(ctx, taskID)
	if task.Status != tasks.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.ErrorMessage, "spec too vague") {
		t.Errorf("error message = %q, want cause recorded", task.ErrorMessage)
	}

	evs, err := h.pub.Events(ctx, taskID, 100)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	sawFailed := false
	for _, ev := range evs {
		if ev.Type == progress.TypeTaskFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("no task_failed progress event")
	}
}

// TestSession_InvalidPlanFailsTask verifies plan validation runs before
// any chunk is created.
func TestSession_InvalidPlanFailsTask(t *testing.T) {
	planner := &fakePlanner{plans: []collab.ChunkPlan{
		{ID: "a", Description: "depends on nothing real", Files: []string{"a.go"}, DependsOn: []string{"ghost"}},
	}}
	h := newHarness(t, planner, &fakeGenerator{}, &fakeIntegrator{})
	h.drainQueue(t)
	ctx := context.Background()

	taskID, err := h.manager.Submit(ctx, "/repo", "broken plan")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := h.session.ProcessNext(ctx); err == nil {
		t.Fatal("expected validation failure")
	}

	task, _ := h.manager.Get(ctx, taskID)
	if task.Status != tasks.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}

	chunks, err := h.store.ListChunksByPrefix(ctx, taskID)
	if err != nil {
		t.Fatalf("ListChunksByPrefix failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("invalid plan left %d chunks in the store", len(chunks))
	}
}

// TestSession_CancellationStopsTask verifies an external cancel is
// observed at the next cycle boundary and the task stays cancelled.
func TestSession_CancellationStopsTask(t *testing.T) {
	planner := &fakePlanner{plans: []collab.ChunkPlan{
		{ID: "a", Description: "long-running chunk", Files: []string{"slow.go"}},
	}}

	h := newHarness(t, planner, nil, &fakeIntegrator{})
	h.drainQueue(t)
	ctx := context.Background()

	taskID, err := h.manager.Submit(ctx, "/repo", "doomed feature")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The generator cancels the task out from under the coordinator and
	// then fails, simulating an operator hitting cancel mid-chunk.
	gen := &fakeGenerator{}
	gen.fail = func(chunkID string, attempt int) error {
		if _, err := h.manager.Cancel(ctx, taskID); err != nil {
			return collab.Fatal(err)
		}
		return collab.Fatal(errors.New("aborted"))
	}
	h.session.generator = gen

	if err := h.session.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext on cancelled task should return nil, got %v", err)
	}

	task, _ := h.manager.Get(ctx, taskID)
	if task.Status != tasks.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}

	evs, err := h.pub.Events(ctx, taskID, 100)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	sawCancelled := false
	for _, ev := range evs {
		if ev.Type == progress.TypeTaskCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("no task_cancelled progress event")
	}
}

// TestSession_RunStopsOnContextCancel verifies Run returns once its
// context is cancelled while polling an empty queue.
func TestSession_RunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, &fakePlanner{}, &fakeGenerator{}, &fakeIntegrator{})
	h.drainQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.session.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

// TestNamespacePlans verifies chunk IDs and dependency references are
// both prefixed with the task ID.
func TestNamespacePlans(t *testing.T) {
	plans := []collab.ChunkPlan{
		{ID: "a", Description: "first", Files: []string{"a.go"}},
		{ID: "b", Description: "second", Files: []string{"b.go"}, DependsOn: []string{"a"}},
	}

	chunks := namespacePlans("task1", plans)
	if chunks[0].ID != "task1_a" || chunks[1].ID != "task1_b" {
		t.Fatalf("IDs not namespaced: %s, %s", chunks[0].ID, chunks[1].ID)
	}
	if len(chunks[1].DependsOn) != 1 || chunks[1].DependsOn[0] != "task1_a" {
		t.Fatalf("dependency not namespaced: %v", chunks[1].DependsOn)
	}
	if chunks[0].Status != scheduler.ChunkPlanned {
		t.Errorf("new chunk status = %s, want planned", chunks[0].Status)
	}
}
