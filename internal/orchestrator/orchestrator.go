// Package orchestrator drives the whole pipeline: it schedules ready tasks
// onto bounded execution slots, provisions an isolated workspace and port
// lease per task, runs each task through its phases, and publishes the
// branch when the task completes. Cleanup is scoped per task and runs on
// every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/forgeline/foreman/internal/events"
	"github.com/forgeline/foreman/internal/gitops"
	"github.com/forgeline/foreman/internal/graph"
	"github.com/forgeline/foreman/internal/phase"
	"github.com/forgeline/foreman/internal/ports"
	"github.com/forgeline/foreman/internal/slots"
	"github.com/forgeline/foreman/internal/store"
	"github.com/forgeline/foreman/internal/task"
	"github.com/forgeline/foreman/internal/workspace"
)

// WorkspaceManager provisions and reclaims per-task worktrees.
type WorkspaceManager interface {
	Create(ctx context.Context, t *task.Task) (*workspace.Workspace, error)
	Destroy(ctx context.Context, ws *workspace.Workspace) error
	Preserve(ws *workspace.Workspace)
	Prune(ctx context.Context) error
}

// GitClient publishes a task's branch when it completes.
type GitClient interface {
	Commit(ctx context.Context, ws *workspace.Workspace, message string) (bool, error)
	HasCommits(ctx context.Context, ws *workspace.Workspace) (bool, error)
	Push(ctx context.Context, ws *workspace.Workspace) error
	OpenChangeRequest(ctx context.Context, ws *workspace.Workspace, summary string) (string, error)
}

// Config bounds a run.
type Config struct {
	MaxConcurrentTasks int
	RetryBudget        int
	PushbackLimit      int
	PhaseTimeout       time.Duration
}

// Deps are the collaborators the orchestrator coordinates.
type Deps struct {
	Store      *store.Store
	Sink       *events.Sink
	Workspaces WorkspaceManager
	Git        GitClient
	Ports      *ports.Allocator
	Worker     phase.Worker
}

// Orchestrator owns the run loop.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	graph *graph.Resolver
	slots *slots.Controller

	wake    chan struct{}
	mu      sync.Mutex
	cancels map[string]context.CancelFunc // Claimed task id -> its cancel
	claimed map[string]struct{}           // Tasks handed to a goroutine, Running or not

	control *Control
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		graph:   graph.NewResolver(),
		slots:   slots.NewController(cfg.MaxConcurrentTasks),
		wake:    make(chan struct{}, 1),
		cancels: make(map[string]context.CancelFunc),
		claimed: make(map[string]struct{}),
	}
	o.control = newControl(o)
	return o
}

// Control returns the operator interface for the running orchestrator.
func (o *Orchestrator) Control() *Control {
	return o.control
}

// Tasks returns copies of every submitted task's current state.
func (o *Orchestrator) Tasks() []*task.Task {
	return o.graph.Tasks()
}

// Submit adds a task to the graph and persists it. Dependencies may name
// tasks submitted later; a cycle or duplicate id is rejected without
// changing anything.
func (o *Orchestrator) Submit(ctx context.Context, t *task.Task) error {
	if err := o.graph.Submit(t); err != nil {
		return err
	}
	if err := o.deps.Store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("persisting task %s: %w", t.ID, err)
	}
	o.emit(ctx, events.Info(t.ID, t.Phase.String(), "task submitted"))
	o.wakeUp()
	return nil
}

// Run executes until every task reached a terminal state or nothing can make
// further progress, then returns. The graph must be complete: every
// referenced dependency submitted, no cycles.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.graph.Validate(); err != nil {
		return fmt.Errorf("validating graph: %w", err)
	}
	if err := o.deps.Workspaces.Prune(ctx); err != nil {
		o.emit(ctx, events.Error("", "", "pruning stale worktrees: "+err.Error()))
	}

	// The control handler lives exactly as long as the run.
	controlCtx, stopControl := context.WithCancel(ctx)
	o.control.start(controlCtx)
	defer func() {
		stopControl()
		o.control.stop()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for {
		if err := ctx.Err(); err != nil {
			g.Wait()
			return err
		}

		for _, id := range o.graph.NextReady() {
			// A Ready task stays Ready while it queues for a slot; it only
			// becomes Running once slot and workspace are in hand.
			if !o.claim(id) {
				continue // Already handed to a goroutine
			}
			id := id
			g.Go(func() error {
				defer o.unclaim(id)
				o.executeTask(gctx, id)
				o.wakeUp()
				return nil
			})
		}

		if o.graph.Done() {
			break
		}

		select {
		case <-ctx.Done():
			g.Wait()
			return ctx.Err()
		case <-o.wake:
		}
	}

	return g.Wait()
}

// executeTask runs one claimed task end to end: slot, port lease, workspace,
// phase machine, publish, cleanup. Failures never abort the run; they are
// recorded on the task and propagate through the graph as Blocked
// dependents. Shutdown of the run context is not a cancellation: the task is
// left where it stands so the next run resumes it. Only an operator Cancel
// is terminal.
func (o *Orchestrator) executeTask(ctx context.Context, id string) {
	t, ok := o.graph.Get(id)
	if !ok {
		return
	}

	// Operator cancellation cancels tctx alone; a shutdown takes ctx down
	// with it. Telling the two apart decides terminal versus resumable.
	tctx, tcancel := context.WithCancel(ctx)
	defer tcancel()
	o.registerCancel(id, tcancel)
	defer o.unregisterCancel(id)

	slot, err := o.slots.Acquire(tctx)
	if err != nil {
		if o.operatorCancelled(ctx, tctx) {
			o.finishCancelled(ctx, t, nil, "cancelled while waiting for a slot")
		}
		return
	}
	defer slot.Release()

	o.emit(ctx, events.Info(id, t.Phase.String(), "task started"))

	lease, err := o.acquireLease(tctx, id)
	if err != nil {
		if tctx.Err() != nil {
			if o.operatorCancelled(ctx, tctx) {
				o.finishCancelled(ctx, t, nil, "cancelled while waiting for ports")
			}
			return
		}
		o.finishFailed(ctx, t, nil, fmt.Errorf("acquiring port lease: %w", err))
		return
	}
	defer func() {
		o.deps.Ports.Release(lease)
		if err := o.deps.Store.ReleaseLease(cleanupCtx(ctx), lease.ID); err != nil {
			o.emit(ctx, events.Error(id, "", "releasing lease record: "+err.Error()))
		}
	}()

	ws, err := o.deps.Workspaces.Create(tctx, t)
	if err != nil {
		if tctx.Err() != nil {
			if o.operatorCancelled(ctx, tctx) {
				o.finishCancelled(ctx, t, nil, "cancelled during workspace creation")
			}
			return
		}
		o.finishFailed(ctx, t, nil, fmt.Errorf("creating workspace: %w", err))
		return
	}
	if err := o.deps.Store.SaveWorkspace(ctx, ws); err != nil {
		o.finishFailed(ctx, t, ws, fmt.Errorf("persisting workspace: %w", err))
		return
	}

	// Slot and workspace in hand: the task is Running from here.
	if err := o.graph.MarkRunning(id); err != nil {
		if cur, ok := o.graph.Get(id); ok && cur.Status.Terminal() {
			// Cancelled while queued; the terminal status stands.
			if derr := o.deps.Workspaces.Destroy(cleanupCtx(ctx), ws); derr == nil {
				if serr := o.deps.Store.MarkWorkspaceDestroyed(cleanupCtx(ctx), id); serr != nil {
					o.emit(ctx, events.Error(id, "", "recording workspace destruction: "+serr.Error()))
				}
			}
			return
		}
		o.finishFailed(ctx, t, ws, fmt.Errorf("claiming task: %w", err))
		return
	}
	o.persistStatus(cleanupCtx(ctx), id)
	o.emit(ctx, events.Info(id, t.Phase.String(), "workspace created").
		WithMeta("branch", ws.Branch).
		WithMeta("primary_port", strconv.Itoa(lease.Primary)).
		WithMeta("secondary_port", strconv.Itoa(lease.Secondary)))

	machine := phase.NewMachine(o.deps.Worker, phase.Config{
		RetryBudget:   o.cfg.RetryBudget,
		PushbackLimit: o.cfg.PushbackLimit,
		Timeout:       o.cfg.PhaseTimeout,
		Workdir:       ws.Path,
		Env: map[string]string{
			"FOREMAN_PORT_PRIMARY":   strconv.Itoa(lease.Primary),
			"FOREMAN_PORT_SECONDARY": strconv.Itoa(lease.Secondary),
			"FOREMAN_BRANCH":         ws.Branch,
		},
	}, o.observer(ctx))

	outcome, err := machine.Run(tctx, id, t.Phase, "")
	if err != nil {
		// Only cancellation reaches here.
		if o.operatorCancelled(ctx, tctx) {
			o.finishCancelled(ctx, t, ws, "cancelled in phase "+outcome.Final.String())
			return
		}
		// Shutdown mid-phase. The Running record and the live workspace
		// stay behind; Resume demotes the one and reclaims the other.
		o.emit(ctx, events.Info(id, outcome.Final.String(), "run interrupted; task resumes on next run"))
		return
	}
	if !outcome.Completed {
		o.finishFailed(ctx, t, ws, outcome.Err)
		return
	}

	o.publish(ctx, t, ws, outcome)
}

// operatorCancelled reports whether the task context fell on its own, which
// only an operator Cancel does. When the run context is down too the whole
// process is shutting down and the task must stay resumable.
func (o *Orchestrator) operatorCancelled(ctx, tctx context.Context) bool {
	return ctx.Err() == nil && tctx.Err() != nil
}

// publish commits leftover changes, pushes the branch, and opens a change
// request, then completes the task and destroys its workspace.
func (o *Orchestrator) publish(ctx context.Context, t *task.Task, ws *workspace.Workspace, outcome phase.Outcome) {
	msg := fmt.Sprintf("%s: %s", t.ID, t.Title)
	if _, err := o.deps.Git.Commit(ctx, ws, msg); err != nil {
		o.finishFailed(ctx, t, ws, fmt.Errorf("committing results: %w", err))
		return
	}

	has, err := o.deps.Git.HasCommits(ctx, ws)
	if err != nil {
		o.finishFailed(ctx, t, ws, fmt.Errorf("inspecting branch: %w", err))
		return
	}
	if !has {
		o.emit(ctx, events.Info(t.ID, phase.Done.String(), "task produced no changes; nothing to publish"))
		o.finishCompleted(ctx, t, ws, outcome)
		return
	}

	if err := o.deps.Git.Push(ctx, ws); err != nil {
		if errors.Is(err, gitops.ErrPushRejected) {
			o.finishFailed(ctx, t, ws, err)
			return
		}
		o.finishFailed(ctx, t, ws, fmt.Errorf("pushing branch: %w", err))
		return
	}
	o.emit(ctx, events.Info(t.ID, phase.Done.String(), "branch pushed").WithMeta("branch", ws.Branch))

	// Change request failure is not a task failure: the branch is published.
	if url, err := o.deps.Git.OpenChangeRequest(ctx, ws, msg); err != nil {
		o.emit(ctx, events.Error(t.ID, phase.Done.String(), "opening change request: "+err.Error()))
	} else {
		o.emit(ctx, events.Info(t.ID, phase.Done.String(), "change request opened").WithMeta("url", url))
	}

	o.finishCompleted(ctx, t, ws, outcome)
}

// acquireLease draws a port pair, retrying exhaustion with backoff; other
// processes churn through the ephemeral range, so exhaustion is transient.
func (o *Orchestrator) acquireLease(ctx context.Context, taskID string) (ports.Lease, error) {
	var lease ports.Lease
	operation := func() error {
		var err error
		lease, err = o.deps.Ports.Lease(taskID)
		if err != nil && !errors.Is(err, ports.ErrLeaseExhausted) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return ports.Lease{}, err
	}

	if err := o.deps.Store.SaveLease(ctx, lease); err != nil {
		o.deps.Ports.Release(lease)
		return ports.Lease{}, fmt.Errorf("persisting lease: %w", err)
	}
	return lease, nil
}

// finishCompleted destroys the workspace and records success.
func (o *Orchestrator) finishCompleted(ctx context.Context, t *task.Task, ws *workspace.Workspace, outcome phase.Outcome) {
	cctx := cleanupCtx(ctx)
	if err := o.deps.Workspaces.Destroy(cctx, ws); err != nil {
		o.emit(ctx, events.Error(t.ID, phase.Done.String(), "destroying workspace: "+err.Error()))
	} else if err := o.deps.Store.MarkWorkspaceDestroyed(cctx, t.ID); err != nil {
		o.emit(ctx, events.Error(t.ID, phase.Done.String(), "recording workspace destruction: "+err.Error()))
	}

	if err := o.graph.MarkCompleted(t.ID); err != nil {
		o.emit(ctx, events.Error(t.ID, phase.Done.String(), "marking completed: "+err.Error()))
	}
	o.persistStatus(cctx, t.ID)
	o.emit(ctx, events.Info(t.ID, phase.Done.String(), "task completed").
		WithMeta("attempts", strconv.Itoa(outcome.Attempts)).
		WithMeta("pushbacks", strconv.Itoa(outcome.Pushbacks)))
}

// finishFailed preserves the workspace for inspection, records the failure,
// and blocks dependents.
func (o *Orchestrator) finishFailed(ctx context.Context, t *task.Task, ws *workspace.Workspace, cause error) {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	cctx := cleanupCtx(ctx)

	if ws != nil {
		o.deps.Workspaces.Preserve(ws)
		if err := o.deps.Store.MarkWorkspacePreserved(cctx, t.ID); err != nil {
			o.emit(ctx, events.Error(t.ID, "", "recording workspace preservation: "+err.Error()))
		}
	}

	if err := o.graph.MarkFailed(t.ID, reason); err != nil {
		o.emit(ctx, events.Error(t.ID, "", "marking failed: "+err.Error()))
	}
	o.persistStatus(cctx, t.ID)
	o.persistBlocked(cctx)
	o.emit(ctx, events.Error(t.ID, "", "task failed: "+reason))
}

// finishCancelled applies the cancellation policy: a workspace with commits
// is preserved for inspection, one without is destroyed. Dependents are
// blocked exactly as on failure.
func (o *Orchestrator) finishCancelled(ctx context.Context, t *task.Task, ws *workspace.Workspace, reason string) {
	cctx := cleanupCtx(ctx)

	if ws != nil {
		has, err := o.deps.Git.HasCommits(cctx, ws)
		if err != nil {
			o.emit(ctx, events.Error(t.ID, "", "inspecting cancelled workspace: "+err.Error()))
			has = true // Cannot tell; keep the work
		}
		if has {
			o.deps.Workspaces.Preserve(ws)
			if err := o.deps.Store.MarkWorkspacePreserved(cctx, t.ID); err != nil {
				o.emit(ctx, events.Error(t.ID, "", "recording workspace preservation: "+err.Error()))
			}
		} else {
			if err := o.deps.Workspaces.Destroy(cctx, ws); err != nil {
				o.emit(ctx, events.Error(t.ID, "", "destroying cancelled workspace: "+err.Error()))
			} else if err := o.deps.Store.MarkWorkspaceDestroyed(cctx, t.ID); err != nil {
				o.emit(ctx, events.Error(t.ID, "", "recording workspace destruction: "+err.Error()))
			}
		}
	}

	if err := o.graph.MarkCancelled(t.ID, reason); err != nil {
		o.emit(ctx, events.Error(t.ID, "", "marking cancelled: "+err.Error()))
	}
	o.persistStatus(cctx, t.ID)
	o.persistBlocked(cctx)
	o.emit(ctx, events.Info(t.ID, "", "task cancelled: "+reason))
}

// observer persists every phase transition and mirrors it into the event
// stream.
func (o *Orchestrator) observer(ctx context.Context) phase.Observer {
	return func(tr phase.Transition) {
		e := events.Info(tr.TaskID, tr.From.String(), fmt.Sprintf("phase %s -> %s (%s)", tr.From, tr.To, tr.Kind))
		if tr.Kind == phase.Failure {
			e = events.Error(tr.TaskID, tr.From.String(), "phase failed: "+tr.Reason)
		}
		o.emit(ctx, e.
			WithMeta("attempt", strconv.Itoa(tr.Attempt)).
			WithMeta("pushbacks", strconv.Itoa(tr.Pushback)))

		reason := tr.Reason
		if tr.Kind == phase.Success {
			reason = ""
		}
		if err := o.deps.Store.UpdateTaskStatus(cleanupCtx(ctx), tr.TaskID, task.Running, tr.To, tr.Attempt, tr.Pushback, reason); err != nil {
			o.emit(ctx, events.Error(tr.TaskID, tr.From.String(), "persisting transition: "+err.Error()))
		}
	}
}

// persistBlocked writes through every Blocked task, so dependents blocked by
// a terminal transition survive a restart as Blocked rather than Pending.
// Writes are idempotent; re-persisting an already-blocked task is harmless.
func (o *Orchestrator) persistBlocked(ctx context.Context) {
	for _, t := range o.graph.Tasks() {
		if t.Status == task.Blocked {
			o.persistStatus(ctx, t.ID)
		}
	}
}

// persistStatus writes the task's current graph state through to the store.
func (o *Orchestrator) persistStatus(ctx context.Context, id string) {
	t, ok := o.graph.Get(id)
	if !ok {
		return
	}
	if err := o.deps.Store.UpdateTaskStatus(ctx, id, t.Status, t.Phase, t.Attempt, t.Pushbacks, t.LastError); err != nil {
		o.emit(ctx, events.Error(id, "", "persisting status: "+err.Error()))
	}
}

// claim reserves a Ready task for a goroutine without changing its graph
// status. Returns false if the task is already claimed.
func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.claimed[id]; ok {
		return false
	}
	o.claimed[id] = struct{}{}
	return true
}

func (o *Orchestrator) unclaim(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.claimed, id)
}

func (o *Orchestrator) registerCancel(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[id] = cancel
}

func (o *Orchestrator) unregisterCancel(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, id)
}

// cancelTask cancels an in-flight task's context. Returns false when no
// goroutine currently holds the task.
func (o *Orchestrator) cancelTask(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

// wakeUp nudges the run loop to re-scan readiness. Non-blocking; a pending
// nudge already covers any number of completions.
func (o *Orchestrator) wakeUp() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) emit(ctx context.Context, e events.Event) {
	if err := o.deps.Sink.Append(cleanupCtx(ctx), e); err != nil {
		// The journal is the one collaborator with nowhere else to report to.
		log.Printf("event append failed: %v", err)
	}
}

// cleanupCtx detaches from cancellation so cleanup and persistence still run
// while shutting down.
func cleanupCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
