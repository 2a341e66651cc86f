package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/internal/events"
	"github.com/forgeline/foreman/internal/gitops"
	"github.com/forgeline/foreman/internal/phase"
	"github.com/forgeline/foreman/internal/ports"
	"github.com/forgeline/foreman/internal/store"
	"github.com/forgeline/foreman/internal/task"
	"github.com/forgeline/foreman/internal/workspace"
)

// fakeWorkspaces provisions plain directories instead of git worktrees.
type fakeWorkspaces struct {
	mu        sync.Mutex
	base      string
	created   []string
	destroyed []string
	preserved []string
}

func newFakeWorkspaces(t *testing.T) *fakeWorkspaces {
	return &fakeWorkspaces{base: t.TempDir()}
}

func (f *fakeWorkspaces) Create(ctx context.Context, t *task.Task) (*workspace.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.base, t.ID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	f.created = append(f.created, t.ID)
	return &workspace.Workspace{TaskID: t.ID, Path: path, Branch: t.Branch, BaseRef: "base"}, nil
}

func (f *fakeWorkspaces) Destroy(ctx context.Context, ws *workspace.Workspace) error {
	if ws == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, ws.TaskID)
	return os.RemoveAll(ws.Path)
}

func (f *fakeWorkspaces) Preserve(ws *workspace.Workspace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws.Preserved = true
	f.preserved = append(f.preserved, ws.TaskID)
}

func (f *fakeWorkspaces) Prune(ctx context.Context) error { return nil }

func (f *fakeWorkspaces) destroyedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func (f *fakeWorkspaces) preservedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.preserved...)
}

// fakeGit records publishing operations.
type fakeGit struct {
	mu         sync.Mutex
	hasCommits bool
	pushErr    error
	commits    []string
	pushes     []string
	requests   []string
}

func (g *fakeGit) Commit(ctx context.Context, ws *workspace.Workspace, message string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, ws.TaskID)
	return g.hasCommits, nil
}

func (g *fakeGit) HasCommits(ctx context.Context, ws *workspace.Workspace) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasCommits, nil
}

func (g *fakeGit) Push(ctx context.Context, ws *workspace.Workspace) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushes = append(g.pushes, ws.TaskID)
	return nil
}

func (g *fakeGit) OpenChangeRequest(ctx context.Context, ws *workspace.Workspace, summary string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, ws.TaskID)
	return "https://example.com/pr/" + ws.TaskID, nil
}

func (g *fakeGit) pushed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.pushes...)
}

// fakeWorker scripts phase results per invocation.
type fakeWorker struct {
	fn func(inv phase.Invocation) (phase.Result, error)
}

func (w *fakeWorker) Invoke(ctx context.Context, inv phase.Invocation) (phase.Result, error) {
	if err := ctx.Err(); err != nil {
		return phase.Result{}, err
	}
	return w.fn(inv)
}

// succeedAll completes every phase immediately.
func succeedAll(inv phase.Invocation) (phase.Result, error) {
	return phase.Result{Kind: phase.Success, Artifact: inv.Phase.String() + "-out"}, nil
}

type harness struct {
	orch  *Orchestrator
	store *store.Store
	ws    *fakeWorkspaces
	git   *fakeGit
}

func newHarness(t *testing.T, cfg Config, w phase.Worker) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws := newFakeWorkspaces(t)
	git := &fakeGit{hasCommits: true}
	sink := events.NewSink(st)
	t.Cleanup(sink.Close)

	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = 2
	}
	if cfg.PushbackLimit == 0 {
		cfg.PushbackLimit = 5
	}

	orch := New(cfg, Deps{
		Store:      st,
		Sink:       sink,
		Workspaces: ws,
		Git:        git,
		Ports:      ports.NewAllocator(10),
		Worker:     w,
	})
	return &harness{orch: orch, store: st, ws: ws, git: git}
}

func (h *harness) submit(t *testing.T, id string, deps ...string) {
	t.Helper()
	require.NoError(t, h.orch.Submit(context.Background(), task.New(id, "work "+id, "", deps)))
}

func (h *harness) status(t *testing.T, id string) task.Status {
	t.Helper()
	tk, ok := h.orch.graph.Get(id)
	require.True(t, ok)
	return tk.Status
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	w := &fakeWorker{fn: func(inv phase.Invocation) (phase.Result, error) {
		if inv.Phase == phase.Planning && inv.Attempt == 1 {
			mu.Lock()
			started = append(started, inv.TaskID)
			mu.Unlock()
		}
		return succeedAll(inv)
	}}

	h := newHarness(t, Config{MaxConcurrentTasks: 2}, w)
	h.submit(t, "a")
	h.submit(t, "b", "a")
	h.submit(t, "c", "b")

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, started)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, task.Completed, h.status(t, id))
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var active, peak int64
	w := &fakeWorker{fn: func(inv phase.Invocation) (phase.Result, error) {
		if inv.Phase == phase.Planning {
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		}
		return succeedAll(inv)
	}}

	h := newHarness(t, Config{MaxConcurrentTasks: 2}, w)
	for i := 0; i < 8; i++ {
		h.submit(t, fmt.Sprintf("t-%d", i))
	}

	require.NoError(t, h.orch.Run(context.Background()))
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestQueuedTasksStayReadyUntilSlotAcquired(t *testing.T) {
	release := make(chan struct{})
	w := &fakeWorker{fn: func(inv phase.Invocation) (phase.Result, error) {
		<-release
		return succeedAll(inv)
	}}

	h := newHarness(t, Config{MaxConcurrentTasks: 1}, w)
	h.submit(t, "a")
	h.submit(t, "b")
	h.submit(t, "c")

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background()) }()

	// One slot, one Running task; the rest queue as Ready.
	require.Eventually(t, func() bool {
		counts := h.orch.graph.Counts()
		return counts[task.Running] == 1 && counts[task.Ready] == 2
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, h.orch.graph.Counts()[task.Running], 1)
		time.Sleep(2 * time.Millisecond)
	}

	close(release)
	require.NoError(t, <-done)
}

func TestFailureBlocksDependents(t *testing.T) {
	w := &fakeWorker{fn: func(inv phase.Invocation) (phase.Result, error) {
		if inv.TaskID == "a" {
			return phase.Result{Kind: phase.Failure, Reason: "broken"}, nil
		}
		return succeedAll(inv)
	}}

	h := newHarness(t, Config{MaxConcurrentTasks: 2, RetryBudget: 2}, w)
	h.submit(t, "a")
	h.submit(t, "b", "a")
	h.submit(t, "c", "b")
	h.submit(t, "d") // Independent; still runs

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, task.Failed, h.status(t, "a"))
	assert.Equal(t, task.Blocked, h.status(t, "b"))
	assert.Equal(t, task.Blocked, h.status(t, "c"))
	assert.Equal(t, task.Completed, h.status(t, "d"))

	// Failed workspace is preserved for inspection, not destroyed.
	assert.Contains(t, h.ws.preservedTasks(), "a")
	assert.NotContains(t, h.ws.destroyedTasks(), "a")

	// The failure survives in the store.
	persisted, err := h.store.GetTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, task.Failed, persisted.Status)
	assert.Contains(t, persisted.LastError, "broken")

	// So do the blocked dependents; a restart must not revive them.
	for _, id := range []string{"b", "c"} {
		persisted, err := h.store.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, task.Blocked, persisted.Status)
	}
}

func TestCompletedTaskIsPublished(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentTasks: 1}, &fakeWorker{fn: succeedAll})
	h.submit(t, "a")

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, []string{"a"}, h.git.pushed())
	assert.Equal(t, []string{"a"}, h.git.requests)
	assert.Contains(t, h.ws.destroyedTasks(), "a")

	persisted, err := h.store.GetTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, task.Completed, persisted.Status)
	assert.Equal(t, phase.Done, persisted.Phase)
}

func TestNoChangesSkipsPublish(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentTasks: 1}, &fakeWorker{fn: succeedAll})
	h.git.hasCommits = false
	h.submit(t, "a")

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Empty(t, h.git.pushed(), "nothing to push")
	assert.Empty(t, h.git.requests)
	assert.Equal(t, task.Completed, h.status(t, "a"))
	assert.Contains(t, h.ws.destroyedTasks(), "a")
}

func TestPushRejectionFailsTask(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentTasks: 1}, &fakeWorker{fn: succeedAll})
	h.git.pushErr = fmt.Errorf("%w: diverged", gitops.ErrPushRejected)
	h.submit(t, "a")
	h.submit(t, "b", "a")

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, task.Failed, h.status(t, "a"))
	assert.Equal(t, task.Blocked, h.status(t, "b"))
	assert.Contains(t, h.ws.preservedTasks(), "a")
}

func TestWorkerReceivesLeaseEnvironment(t *testing.T) {
	var mu sync.Mutex
	var envs []map[string]string
	w := &fakeWorker{fn: func(inv phase.Invocation) (phase.Result, error) {
		mu.Lock()
		envs = append(envs, inv.Env)
		mu.Unlock()
		return succeedAll(inv)
	}}

	h := newHarness(t, Config{MaxConcurrentTasks: 1}, w)
	h.submit(t, "a")
	require.NoError(t, h.orch.Run(context.Background()))

	require.NotEmpty(t, envs)
	env := envs[0]
	assert.NotEmpty(t, env["FOREMAN_PORT_PRIMARY"])
	assert.NotEmpty(t, env["FOREMAN_PORT_SECONDARY"])
	assert.NotEqual(t, env["FOREMAN_PORT_PRIMARY"], env["FOREMAN_PORT_SECONDARY"])
	assert.NotEmpty(t, env["FOREMAN_BRANCH"])
}

func TestPortLeasesReleasedAfterRun(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentTasks: 2}, &fakeWorker{fn: succeedAll})
	for i := 0; i < 4; i++ {
		h.submit(t, fmt.Sprintf("t-%d", i))
	}
	require.NoError(t, h.orch.Run(context.Background()))

	assert.Empty(t, h.orch.deps.Ports.Live(), "all leases returned")
	open, err := h.store.OpenLeases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "no lease records left open")
}

func TestCancelRunningTask(t *testing.T) {
	release := make(chan struct{})
	w := &fakeWorker{fn: func(inv phase.Invocation) (phase.Result, error) {
		if inv.TaskID == "slow" {
			<-release
		}
		return succeedAll(inv)
	}}

	h := newHarness(t, Config{MaxConcurrentTasks: 2}, w)
	h.git.hasCommits = false // Cancelled with no commits: workspace destroyed
	h.submit(t, "slow")
	h.submit(t, "dependent", "slow")

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background()) }()

	// Wait until the slow task is actually running, then cancel it.
	require.Eventually(t, func() bool {
		return h.status(t, "slow") == task.Running
	}, 5*time.Second, 10*time.Millisecond)

	ctrl := h.orch.Control()
	require.NoError(t, ctrl.Cancel(context.Background(), "slow"))
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, task.Cancelled, h.status(t, "slow"))
	assert.Equal(t, task.Blocked, h.status(t, "dependent"))
	assert.Contains(t, h.ws.destroyedTasks(), "slow")

	persisted, err := h.store.GetTask(context.Background(), "dependent")
	require.NoError(t, err)
	assert.Equal(t, task.Blocked, persisted.Status, "blocked dependent persisted")
}

func TestRetryReadmitsFailedTask(t *testing.T) {
	var attempts int32
	blocker := make(chan struct{})
	w := &fakeWorker{fn: func(inv phase.Invocation) (phase.Result, error) {
		switch inv.TaskID {
		case "flaky":
			if atomic.AddInt32(&attempts, 1) <= 2 {
				return phase.Result{Kind: phase.Failure, Reason: "first run fails"}, nil
			}
			return succeedAll(inv)
		case "blocker":
			<-blocker
			return succeedAll(inv)
		default:
			return succeedAll(inv)
		}
	}}

	h := newHarness(t, Config{MaxConcurrentTasks: 2, RetryBudget: 2}, w)
	h.submit(t, "flaky")
	h.submit(t, "blocker") // Keeps the run alive while the operator intervenes

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.status(t, "flaky") == task.Failed
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orch.Control().Retry(context.Background(), "flaky"))

	require.Eventually(t, func() bool {
		return h.status(t, "flaky") == task.Completed
	}, 5*time.Second, 10*time.Millisecond)

	close(blocker)
	require.NoError(t, <-done)
	assert.Equal(t, task.Completed, h.status(t, "blocker"))
}

func TestSubmitRejectsCycles(t *testing.T) {
	h := newHarness(t, Config{}, &fakeWorker{fn: succeedAll})
	ctx := context.Background()

	require.NoError(t, h.orch.Submit(ctx, task.New("a", "one", "", []string{"b"})))
	err := h.orch.Submit(ctx, task.New("b", "two", "", []string{"a"}))
	require.Error(t, err)

	require.Error(t, h.orch.Submit(ctx, task.New("a", "dup", "", nil)))
}

func TestRunRejectsIncompleteGraph(t *testing.T) {
	h := newHarness(t, Config{}, &fakeWorker{fn: succeedAll})
	h.submit(t, "a", "never-submitted")

	err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never-submitted")
}

// ctxWorker blocks until its context is cancelled.
type ctxWorker struct {
	started chan struct{}
	once    sync.Once
}

func (w *ctxWorker) Invoke(ctx context.Context, inv phase.Invocation) (phase.Result, error) {
	w.once.Do(func() { close(w.started) })
	<-ctx.Done()
	return phase.Result{}, ctx.Err()
}

func TestRunStopsOnShutdown(t *testing.T) {
	waiter := &ctxWorker{started: make(chan struct{})}
	started := waiter.started

	h := newHarness(t, Config{MaxConcurrentTasks: 1}, waiter)
	h.submit(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on shutdown")
	}
}

func TestShutdownLeavesTasksResumable(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "foreman.db")

	// First life: one task mid-phase, one queued behind the single slot,
	// one dependent. A graceful shutdown interrupts all of them.
	st, err := store.Open(ctx, dbPath)
	require.NoError(t, err)
	sink := events.NewSink(st)
	waiter := &ctxWorker{started: make(chan struct{})}
	orch := New(Config{MaxConcurrentTasks: 1, RetryBudget: 2, PushbackLimit: 5}, Deps{
		Store:      st,
		Sink:       sink,
		Workspaces: newFakeWorkspaces(t),
		Git:        &fakeGit{hasCommits: true},
		Ports:      ports.NewAllocator(10),
		Worker:     waiter,
	})
	require.NoError(t, orch.Submit(ctx, task.New("a", "interrupted mid-phase", "", nil)))
	require.NoError(t, orch.Submit(ctx, task.New("b", "queued for the slot", "", nil)))
	require.NoError(t, orch.Submit(ctx, task.New("c", "dependent", "", []string{"a"})))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()
	<-waiter.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	sink.Close()
	require.NoError(t, st.Close())

	// Nothing ended terminal: the interrupted task is still recorded Running
	// for the next life to demote, the rest are untouched.
	st, err = store.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Either a or b held the slot; the winner is recorded Running, the rest
	// Pending. No task may have been marked Cancelled by the shutdown.
	var running int
	for _, id := range []string{"a", "b", "c"} {
		persisted, err := st.GetTask(ctx, id)
		require.NoError(t, err)
		switch persisted.Status {
		case task.Running:
			running++
		case task.Pending:
		default:
			t.Fatalf("task %s ended the first life as %s", id, persisted.Status)
		}
	}
	assert.Equal(t, 1, running, "only the slot holder was mid-phase")

	// Second life: resume and run everything to completion.
	sink = events.NewSink(st)
	t.Cleanup(sink.Close)
	orch = New(Config{MaxConcurrentTasks: 1, RetryBudget: 2, PushbackLimit: 5}, Deps{
		Store:      st,
		Sink:       sink,
		Workspaces: newFakeWorkspaces(t),
		Git:        &fakeGit{hasCommits: true},
		Ports:      ports.NewAllocator(10),
		Worker:     &fakeWorker{fn: succeedAll},
	})
	require.NoError(t, orch.Resume(ctx))
	require.NoError(t, orch.Run(ctx))
	for _, id := range []string{"a", "b", "c"} {
		tk, ok := orch.graph.Get(id)
		require.True(t, ok)
		assert.Equal(t, task.Completed, tk.Status, "task %s after resume", id)
	}
}

func TestResumeRehydratesState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "foreman.db")

	// First life: persist a mixed graph, a stale lease, and a live workspace.
	st, err := store.Open(ctx, dbPath)
	require.NoError(t, err)

	doneTask := task.New("done", "finished earlier", "", nil)
	doneTask.Status = task.Completed
	doneTask.Phase = phase.Done
	require.NoError(t, st.SaveTask(ctx, doneTask))

	crashed := task.New("crashed", "was mid-flight", "", nil)
	crashed.Status = task.Running
	crashed.Phase = phase.Coding
	crashed.Attempt = 2
	require.NoError(t, st.SaveTask(ctx, crashed))

	waiting := task.New("waiting", "depends on crashed", "", []string{"crashed"})
	require.NoError(t, st.SaveTask(ctx, waiting))

	require.NoError(t, st.SaveLease(ctx, ports.Lease{ID: "stale", TaskID: "crashed", Primary: 40001, Secondary: 40002}))
	require.NoError(t, st.SaveWorkspace(ctx, &workspace.Workspace{
		TaskID: "crashed", Path: filepath.Join(dir, "wt", "crashed"), Branch: "task/crashed", BaseRef: "abc",
	}))
	require.NoError(t, st.Close())

	// Second life.
	st, err = store.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws := newFakeWorkspaces(t)
	sink := events.NewSink(st)
	t.Cleanup(sink.Close)
	orch := New(Config{MaxConcurrentTasks: 2, RetryBudget: 2, PushbackLimit: 5}, Deps{
		Store:      st,
		Sink:       sink,
		Workspaces: ws,
		Git:        &fakeGit{hasCommits: true},
		Ports:      ports.NewAllocator(10),
		Worker:     &fakeWorker{fn: succeedAll},
	})
	require.NoError(t, orch.Resume(ctx))

	// The crashed task was demoted and restarts cleanly.
	tk, ok := orch.graph.Get("crashed")
	require.True(t, ok)
	assert.Equal(t, task.Ready, tk.Status, "demoted to pending, then ready (no deps)")
	assert.Equal(t, phase.Planning, tk.Phase)
	assert.Zero(t, tk.Attempt)

	tk, ok = orch.graph.Get("done")
	require.True(t, ok)
	assert.Equal(t, task.Completed, tk.Status, "completed work is not redone")

	open, err := st.OpenLeases(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "stale leases closed out")

	assert.Equal(t, []string{"crashed"}, ws.destroyedTasks(), "mid-flight workspace reclaimed")

	// The rehydrated graph runs to completion.
	require.NoError(t, orch.Run(ctx))
	assert.Equal(t, task.Completed, func() task.Status {
		tk, _ := orch.graph.Get("crashed")
		return tk.Status
	}())
	assert.Equal(t, task.Completed, func() task.Status {
		tk, _ := orch.graph.Get("waiting")
		return tk.Status
	}())
}

func TestSnapshotReflectsState(t *testing.T) {
	release := make(chan struct{})
	w := &fakeWorker{fn: func(inv phase.Invocation) (phase.Result, error) {
		if inv.TaskID == "b" {
			<-release
		}
		return succeedAll(inv)
	}}

	h := newHarness(t, Config{MaxConcurrentTasks: 1}, w)
	h.submit(t, "a")
	h.submit(t, "b", "a")

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.status(t, "b") == task.Running
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := h.orch.Control().Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 2)
	byID := map[string]task.Status{}
	for _, tk := range snap {
		byID[tk.ID] = tk.Status
	}
	assert.Equal(t, task.Completed, byID["a"])
	assert.Equal(t, task.Running, byID["b"])

	close(release)
	require.NoError(t, <-done)
}
