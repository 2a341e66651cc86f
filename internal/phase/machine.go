package phase

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPhaseTimeout indicates a worker did not report a result within the
// configured wall-clock timeout for its phase. Treated exactly like a
// worker-reported Failure.
var ErrPhaseTimeout = errors.New("phase timed out")

// Worker executes a single phase on behalf of the orchestrator. The call is
// synchronous from the machine's point of view; the worker may internally be
// long-running. Implementations must honor context cancellation.
type Worker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// Transition is an append-only record of one state machine step.
type Transition struct {
	TaskID   string
	From     Phase
	To       Phase
	Kind     ResultKind
	Attempt  int
	Pushback int
	Reason   string
	At       time.Time
}

// Observer receives transition records as they happen. Used to feed the
// event sink and to keep persisted task state current.
type Observer func(Transition)

// Config bounds a machine run.
type Config struct {
	RetryBudget   int           // Failures tolerated per phase before the task fails
	PushbackLimit int           // Total NeedsRevision rewinds tolerated per task
	Timeout       time.Duration // Wall-clock limit per worker invocation (0 = none)
	Workdir       string        // Workspace path passed through to the worker
	Env           map[string]string
}

// Machine drives one task through its ordered phases, invoking an external
// worker per phase and interpreting its result.
type Machine struct {
	worker   Worker
	cfg      Config
	observer Observer
}

// NewMachine creates a phase state machine. observer may be nil.
func NewMachine(worker Worker, cfg Config, observer Observer) *Machine {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.PushbackLimit <= 0 {
		cfg.PushbackLimit = 5
	}
	return &Machine{worker: worker, cfg: cfg, observer: observer}
}

// Outcome summarizes a completed machine run.
type Outcome struct {
	Completed bool   // Reached Done
	Final     Phase  // Phase the machine stopped in
	Artifact  string // Artifact of the last successful phase
	Attempts  int    // Total worker invocations
	Pushbacks int    // NeedsRevision rewinds consumed
	Err       error  // Terminal error when Completed is false
}

// Run executes the task's phases starting from `start` with `seed` as the
// initial artifact. It returns a non-nil error only for cancellation; worker
// failures are reported through Outcome.Err with Completed=false.
func (m *Machine) Run(ctx context.Context, taskID string, start Phase, seed string) (Outcome, error) {
	out := Outcome{Final: start, Artifact: seed}
	if !start.Valid() || start == Done {
		out.Err = fmt.Errorf("cannot start machine in phase %s", start)
		return out, nil
	}

	current := start
	artifact := seed
	reason := ""
	attempt := 0 // Attempts within the current phase

	for {
		if err := ctx.Err(); err != nil {
			out.Final = current
			return out, err
		}

		attempt++
		out.Attempts++

		result, err := m.invoke(ctx, Invocation{
			TaskID:   taskID,
			Phase:    current,
			Artifact: artifact,
			Reason:   reason,
			Attempt:  attempt,
			Workdir:  m.cfg.Workdir,
			Env:      m.cfg.Env,
		})
		if err != nil {
			// Cancellation propagates; everything else is a phase failure.
			if ctx.Err() != nil {
				out.Final = current
				return out, ctx.Err()
			}
			result = Result{Kind: Failure, Reason: err.Error()}
		}

		switch result.Kind {
		case Success:
			next, ok := current.Next()
			m.observe(taskID, current, next, result, attempt, out.Pushbacks)
			artifact = result.Artifact
			reason = ""
			attempt = 0
			if !ok || next == Done {
				out.Completed = true
				out.Final = Done
				out.Artifact = artifact
				return out, nil
			}
			current = next

		case Failure:
			if attempt >= m.cfg.RetryBudget {
				m.observe(taskID, current, current, result, attempt, out.Pushbacks)
				out.Final = current
				out.Err = fmt.Errorf("phase %s failed after %d attempts: %s", current, attempt, result.Reason)
				return out, nil
			}
			// Budget remains: restart the same phase.
			m.observe(taskID, current, current, result, attempt, out.Pushbacks)
			reason = result.Reason

		case NeedsRevision:
			// A target behind Planning is invalid and fatal, never clamped.
			if !result.Target.Valid() || result.Target >= current {
				out.Final = current
				out.Err = fmt.Errorf("phase %s requested invalid revision target %s", current, result.Target)
				m.observe(taskID, current, current, Result{Kind: Failure, Reason: out.Err.Error()}, attempt, out.Pushbacks)
				return out, nil
			}
			out.Pushbacks++
			if out.Pushbacks > m.cfg.PushbackLimit {
				out.Final = current
				out.Err = fmt.Errorf("pushback limit %d exceeded (last: %s -> %s: %s)",
					m.cfg.PushbackLimit, current, result.Target, result.Reason)
				m.observe(taskID, current, current, Result{Kind: Failure, Reason: out.Err.Error()}, attempt, out.Pushbacks)
				return out, nil
			}
			m.observe(taskID, current, result.Target, result, attempt, out.Pushbacks)
			current = result.Target
			reason = result.Reason
			attempt = 0

		default:
			out.Final = current
			out.Err = fmt.Errorf("worker returned unknown result kind %d", result.Kind)
			return out, nil
		}
	}
}

// invoke runs the worker with the configured per-phase timeout.
func (m *Machine) invoke(ctx context.Context, inv Invocation) (Result, error) {
	if m.cfg.Timeout <= 0 {
		return m.worker.Invoke(ctx, inv)
	}

	ictx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	result, err := m.worker.Invoke(ictx, inv)
	if err != nil && ictx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return Result{}, fmt.Errorf("%w after %s in phase %s", ErrPhaseTimeout, m.cfg.Timeout, inv.Phase)
	}
	return result, err
}

func (m *Machine) observe(taskID string, from, to Phase, result Result, attempt, pushbacks int) {
	if m.observer == nil {
		return
	}
	m.observer(Transition{
		TaskID:   taskID,
		From:     from,
		To:       to,
		Kind:     result.Kind,
		Attempt:  attempt,
		Pushback: pushbacks,
		Reason:   result.Reason,
		At:       time.Now(),
	})
}
