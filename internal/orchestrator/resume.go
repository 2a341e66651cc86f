package orchestrator

import (
	"context"
	"fmt"

	"github.com/forgeline/foreman/internal/events"
	"github.com/forgeline/foreman/internal/phase"
	"github.com/forgeline/foreman/internal/task"
)

// Resume rehydrates orchestrator state from the store after a restart:
// persisted tasks are resubmitted to the graph, tasks that were mid-flight
// are demoted to Pending for a clean re-run, stale port leases are closed
// out, and leftover workspaces of non-preserved tasks are reclaimed.
func (o *Orchestrator) Resume(ctx context.Context) error {
	tasks, err := o.deps.Store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}

	for _, t := range tasks {
		if t.Status == task.Running || t.Status == task.Ready {
			// The in-flight run died with the process. Phases are not
			// resumable mid-way, so the task starts over with fresh budgets.
			t.Status = task.Pending
			t.Phase = phase.Planning
			t.Attempt = 0
			t.Pushbacks = 0
			if err := o.deps.Store.UpdateTaskStatus(ctx, t.ID, t.Status, t.Phase, 0, 0, t.LastError); err != nil {
				return fmt.Errorf("demoting task %s: %w", t.ID, err)
			}
		}
		if err := o.graph.Submit(t); err != nil {
			return fmt.Errorf("%w: resubmitting task %s", err, t.ID)
		}
	}
	o.graph.Rebuild()

	// The allocator's in-memory state died with the process; every lease
	// still marked open is stale.
	leases, err := o.deps.Store.OpenLeases(ctx)
	if err != nil {
		return fmt.Errorf("loading open leases: %w", err)
	}
	for _, l := range leases {
		if err := o.deps.Store.ReleaseLease(ctx, l.ID); err != nil {
			return fmt.Errorf("releasing stale lease %s: %w", l.ID, err)
		}
	}

	// Workspaces of tasks that were mid-flight are half-built; reclaim them.
	// Preserved ones stay for the operator.
	workspaces, err := o.deps.Store.LiveWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("loading live workspaces: %w", err)
	}
	for _, ws := range workspaces {
		if err := o.deps.Workspaces.Destroy(ctx, ws); err != nil {
			o.emit(ctx, events.Error(ws.TaskID, "", "reclaiming workspace: "+err.Error()))
			continue
		}
		if err := o.deps.Store.MarkWorkspaceDestroyed(ctx, ws.TaskID); err != nil {
			return fmt.Errorf("recording workspace destruction for %s: %w", ws.TaskID, err)
		}
	}
	if err := o.deps.Workspaces.Prune(ctx); err != nil {
		o.emit(ctx, events.Error("", "", "pruning worktrees: "+err.Error()))
	}

	if len(tasks) > 0 {
		o.emit(ctx, events.Info("", "", fmt.Sprintf("resumed %d tasks, released %d stale leases, reclaimed %d workspaces",
			len(tasks), len(leases), len(workspaces))))
	}
	o.wakeUp()
	return nil
}
