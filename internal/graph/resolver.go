// Package graph maintains the task dependency graph: cycle rejection at
// submission time, readiness computation, and failure propagation.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/forgeline/foreman/internal/phase"
	"github.com/forgeline/foreman/internal/task"
)

var (
	// ErrCycleDetected is returned when submitting a task whose dependency
	// edges would close a cycle. The graph is left unchanged.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrDuplicateTask is returned when a task id is submitted twice.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrUnknownTask is returned for operations on task ids never submitted.
	ErrUnknownTask = errors.New("task not found")
)

// Resolver owns the dependency graph and each task's readiness status.
// A dependent becomes Ready only when ALL of its dependencies are Completed;
// a failed or cancelled task marks all transitive dependents Blocked.
type Resolver struct {
	mu         sync.RWMutex
	tasks      map[string]*task.Task
	dependents map[string][]string // dep id -> ids of tasks depending on it
	order      []string            // Submission order, drives FIFO scheduling
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		tasks:      make(map[string]*task.Task),
		dependents: make(map[string][]string),
	}
}

// Submit adds a task to the graph. Dependencies may reference tasks that have
// not been submitted yet; such a task simply stays Pending until they exist
// and complete. Returns ErrCycleDetected (without inserting anything) if the
// new edges would close a cycle, or ErrDuplicateTask for a reused id.
func (r *Resolver) Submit(t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, t.ID)
		}
	}

	// Reachability check before insertion: the new task closes a cycle iff
	// one of its dependencies already depends, transitively, on the new id
	// (possible because forward references are allowed).
	if r.reaches(t.DependsOn, t.ID) {
		return fmt.Errorf("%w: adding %s", ErrCycleDetected, t.ID)
	}

	cp := t.Clone()
	r.tasks[cp.ID] = cp
	r.order = append(r.order, cp.ID)
	for _, dep := range cp.DependsOn {
		r.dependents[dep] = append(r.dependents[dep], cp.ID)
	}

	r.recomputeReadiness(cp.ID)
	return nil
}

// reaches reports whether `target` is reachable from any of `from` by
// following dependency edges of already-submitted tasks.
func (r *Resolver) reaches(from []string, target string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), from...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := r.tasks[id]; ok {
			stack = append(stack, t.DependsOn...)
		}
	}
	return false
}

// recomputeReadiness promotes a Pending task to Ready when every dependency
// exists and is Completed. Caller holds the lock.
func (r *Resolver) recomputeReadiness(id string) {
	t, ok := r.tasks[id]
	if !ok || t.Status != task.Pending {
		return
	}
	for _, dep := range t.DependsOn {
		d, exists := r.tasks[dep]
		if !exists || d.Status != task.Completed {
			return
		}
	}
	t.Status = task.Ready
}

// NextReady returns the ids of tasks currently Ready, in submission (FIFO)
// order. Non-blocking; the caller claims a task by calling MarkRunning.
func (r *Resolver) NextReady() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ready []string
	for _, id := range r.order {
		if r.tasks[id].Status == task.Ready {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkRunning claims a Ready task for execution.
func (r *Resolver) MarkRunning(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != task.Ready {
		return fmt.Errorf("task %s is not ready (status: %s)", id, t.Status)
	}
	t.Status = task.Running
	return nil
}

// MarkCompleted records a task's success and recomputes the readiness of its
// direct dependents atomically.
func (r *Resolver) MarkCompleted(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.Status = task.Completed
	t.Phase = phase.Done
	for _, dep := range r.dependents[id] {
		r.recomputeReadiness(dep)
	}
	return nil
}

// MarkFailed records a task's failure and marks all transitive dependents
// Blocked. A Blocked task never becomes Ready unless an operator clears the
// failure via Clear.
func (r *Resolver) MarkFailed(id string, reason string) error {
	return r.terminate(id, task.Failed, reason)
}

// MarkCancelled records an operator cancellation; dependents are blocked
// exactly as on failure.
func (r *Resolver) MarkCancelled(id string, reason string) error {
	return r.terminate(id, task.Cancelled, reason)
}

func (r *Resolver) terminate(id string, status task.Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.Status = status
	t.LastError = reason

	for _, dep := range r.transitiveDependents(id) {
		d := r.tasks[dep]
		if !d.Status.Terminal() && d.Status != task.Running {
			d.Status = task.Blocked
		}
	}
	return nil
}

// transitiveDependents collects every task downstream of id. Caller holds
// the lock.
func (r *Resolver) transitiveDependents(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	stack := append([]string(nil), r.dependents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		stack = append(stack, r.dependents[cur]...)
	}
	return out
}

// Clear is the operator override for a Failed (or Cancelled) task: the task
// and its Blocked transitive dependents are re-admitted as Pending with fresh
// budgets, then readiness is recomputed.
func (r *Resolver) Clear(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != task.Failed && t.Status != task.Cancelled {
		return fmt.Errorf("task %s is not failed or cancelled (status: %s)", id, t.Status)
	}

	reset := func(t *task.Task) {
		t.Status = task.Pending
		t.Phase = phase.Planning
		t.Attempt = 0
		t.Pushbacks = 0
		t.LastError = ""
	}

	reset(t)
	for _, dep := range r.transitiveDependents(id) {
		if d := r.tasks[dep]; d.Status == task.Blocked {
			reset(d)
		}
	}

	r.recomputeReadiness(id)
	for _, dep := range r.transitiveDependents(id) {
		r.recomputeReadiness(dep)
	}
	return nil
}

// Rebuild recomputes readiness for every Pending task. Needed after
// rehydrating a persisted graph, where tasks may arrive in an order that
// differs from the original completion order.
func (r *Resolver) Rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.tasks {
		r.recomputeReadiness(id)
	}
}

// Get returns a copy of the task with the given id.
func (r *Resolver) Get(id string) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in submission order.
func (r *Resolver) Tasks() []*task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*task.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].Clone())
	}
	return out
}

// Counts returns how many tasks are in each status.
func (r *Resolver) Counts() map[task.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[task.Status]int)
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}

// Done reports whether no task can make further progress: nothing Ready,
// nothing Running, and every Pending task transitively waits on a dependency
// that can no longer complete or was never submitted.
func (r *Resolver) Done() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tasks {
		if t.Status == task.Ready || t.Status == task.Running {
			return false
		}
	}

	// Fixpoint over Pending tasks: a task is stuck if any dependency is
	// missing, terminal-without-success, Blocked, or itself stuck.
	stuck := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for id, t := range r.tasks {
			if t.Status != task.Pending || stuck[id] {
				continue
			}
			for _, dep := range t.DependsOn {
				d, exists := r.tasks[dep]
				if !exists || stuck[dep] ||
					d.Status == task.Failed || d.Status == task.Cancelled || d.Status == task.Blocked {
					stuck[id] = true
					changed = true
					break
				}
			}
		}
	}
	for id, t := range r.tasks {
		if t.Status == task.Pending && !stuck[id] {
			return false
		}
	}
	return true
}

// Validate runs a full topological sort over the graph, verifying that every
// referenced dependency exists and that the graph is acyclic. Returns the
// execution order. Used before starting a run and after resume.
func (r *Resolver) Validate() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, t := range r.tasks {
		for _, dep := range t.DependsOn {
			if _, exists := r.tasks[dep]; !exists {
				return nil, fmt.Errorf("task %q depends on unsubmitted task %q", id, dep)
			}
		}
	}

	var edges []toposort.Edge
	for id, t := range r.tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	ordered := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			ordered = append(ordered, id.(string))
		}
	}
	if len(ordered) != len(r.tasks) {
		var missing []string
		found := make(map[string]bool, len(ordered))
		for _, id := range ordered {
			found[id] = true
		}
		for id := range r.tasks {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return ordered, nil
}
