package phase

import "fmt"

// Phase represents an execution phase of a task.
type Phase int

const (
	Planning  Phase = iota // Producing a plan for the task
	Coding                 // Implementing the plan
	Testing                // Validating the implementation
	Reviewing              // Reviewing the result
	Done                   // Terminal: all phases succeeded
)

// order is the forward progression of phases. Done is terminal.
var order = []Phase{Planning, Coding, Testing, Reviewing, Done}

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Planning:
		return "planning"
	case Coding:
		return "coding"
	case Testing:
		return "testing"
	case Reviewing:
		return "reviewing"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Parse converts a phase name back to a Phase. Used when rehydrating
// persisted tasks and when workers name a revision target.
func Parse(name string) (Phase, error) {
	for _, p := range order {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// Next returns the phase that follows p. Done has no successor.
func (p Phase) Next() (Phase, bool) {
	for i, cur := range order {
		if cur == p && i < len(order)-1 {
			return order[i+1], true
		}
	}
	return Done, false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p >= Planning && p <= Done
}

// ResultKind discriminates the outcomes a worker can report for a phase.
type ResultKind int

const (
	Success       ResultKind = iota // Phase finished; artifact carries forward
	Failure                         // Phase failed; consumes retry budget
	NeedsRevision                   // Send the task back to an earlier phase
)

// String returns the result kind name.
func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case NeedsRevision:
		return "needs_revision"
	default:
		return fmt.Sprintf("result(%d)", int(k))
	}
}

// Result is the tagged outcome of a single worker invocation.
type Result struct {
	Kind     ResultKind
	Artifact string // Success: output handed to the next phase as input
	Reason   string // Failure / NeedsRevision: explanation
	Target   Phase  // NeedsRevision: phase to rewind to
}

// Invocation is the input handed to an external worker for one phase run.
type Invocation struct {
	TaskID   string
	Phase    Phase
	Artifact string // Output of the previous phase (empty for the first)
	Reason   string // Revision reason when re-running after a pushback
	Attempt  int    // 1-based attempt number within this phase
	Workdir  string // Workspace path the worker operates in
	Env      map[string]string
}
