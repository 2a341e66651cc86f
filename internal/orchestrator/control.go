package orchestrator

import (
	"context"
	"fmt"

	"github.com/forgeline/foreman/internal/events"
	"github.com/forgeline/foreman/internal/task"
)

// opKind discriminates control operations.
type opKind int

const (
	opSubmit opKind = iota
	opCancel
	opRetry
	opSnapshot
)

// request is one operator operation sent to the control handler.
type request struct {
	kind       opKind
	taskID     string
	task       *task.Task
	responseCh chan response
}

// response carries the result of a control operation.
type response struct {
	tasks []*task.Task
	err   error
}

// Control serializes operator operations against a running orchestrator.
// Operations are processed one at a time by a handler goroutine, so an
// operator retry cannot race a concurrent submit over the same graph edit.
type Control struct {
	o         *Orchestrator
	requestCh chan request
	done      chan struct{}
}

func newControl(o *Orchestrator) *Control {
	return &Control{
		o:         o,
		requestCh: make(chan request, 16),
		done:      make(chan struct{}),
	}
}

// start launches the handler goroutine. It processes requests until the
// context is cancelled.
func (c *Control) start(ctx context.Context) {
	go c.handle(ctx)
}

func (c *Control) handle(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requestCh:
			resp := c.process(ctx, req)
			select {
			case <-ctx.Done():
				req.responseCh <- response{err: ctx.Err()}
				return
			default:
				req.responseCh <- resp
			}
		}
	}
}

func (c *Control) process(ctx context.Context, req request) response {
	switch req.kind {
	case opSubmit:
		return response{err: c.o.Submit(ctx, req.task)}

	case opCancel:
		if c.o.cancelTask(req.taskID) {
			return response{}
		}
		// Not in flight: a queued task can still be cancelled directly.
		if err := c.o.graph.MarkCancelled(req.taskID, "cancelled by operator"); err != nil {
			return response{err: err}
		}
		c.o.persistStatus(ctx, req.taskID)
		c.o.persistBlocked(ctx)
		c.o.emit(ctx, events.Info(req.taskID, "", "task cancelled by operator"))
		c.o.wakeUp()
		return response{}

	case opRetry:
		return response{err: c.retry(ctx, req.taskID)}

	case opSnapshot:
		return response{tasks: c.o.graph.Tasks()}

	default:
		return response{err: fmt.Errorf("unknown control operation %d", req.kind)}
	}
}

// retry clears a failed or cancelled task and re-admits it with fresh
// budgets. A preserved workspace from the failed run is reclaimed first so
// the rerun can provision a clean one under the same branch name.
func (c *Control) retry(ctx context.Context, id string) error {
	if ws, live, err := c.o.deps.Store.GetWorkspace(ctx, id); err == nil && live && ws != nil {
		if err := c.o.deps.Workspaces.Destroy(ctx, ws); err != nil {
			return fmt.Errorf("reclaiming preserved workspace: %w", err)
		}
		if err := c.o.deps.Store.MarkWorkspaceDestroyed(ctx, id); err != nil {
			return fmt.Errorf("recording workspace destruction: %w", err)
		}
	}

	if err := c.o.graph.Clear(id); err != nil {
		return err
	}
	c.o.persistStatus(ctx, id)
	for _, t := range c.o.graph.Tasks() {
		if t.Status == task.Pending || t.Status == task.Ready {
			c.o.persistStatus(ctx, t.ID)
		}
	}
	c.o.emit(ctx, events.Info(id, "", "task re-admitted by operator"))
	c.o.wakeUp()
	return nil
}

// ask sends a request and waits for its response, honoring cancellation at
// both stages.
func (c *Control) ask(ctx context.Context, req request) (response, error) {
	req.responseCh = make(chan response, 1)

	select {
	case c.requestCh <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.responseCh:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Submit adds a task to the running orchestrator.
func (c *Control) Submit(ctx context.Context, t *task.Task) error {
	_, err := c.ask(ctx, request{kind: opSubmit, task: t})
	return err
}

// Cancel stops a task. A Running task is interrupted; a queued one is
// terminated in place. Dependents are blocked either way.
func (c *Control) Cancel(ctx context.Context, taskID string) error {
	_, err := c.ask(ctx, request{kind: opCancel, taskID: taskID})
	return err
}

// Retry re-admits a Failed or Cancelled task (and its Blocked dependents)
// with fresh retry and pushback budgets.
func (c *Control) Retry(ctx context.Context, taskID string) error {
	_, err := c.ask(ctx, request{kind: opRetry, taskID: taskID})
	return err
}

// Snapshot returns a copy of every task's current state.
func (c *Control) Snapshot(ctx context.Context) ([]*task.Task, error) {
	resp, err := c.ask(ctx, request{kind: opSnapshot})
	if err != nil {
		return nil, err
	}
	return resp.tasks, nil
}

// stop blocks until the handler goroutine has exited.
func (c *Control) stop() {
	<-c.done
}
