package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/forgeline/foreman/internal/phase"
)

// Status represents the readiness state of a task, driven by the dependency
// graph. Distinct from the execution phases a Running task moves through.
type Status int

const (
	Pending   Status = iota // Waiting for dependencies
	Ready                   // All dependencies completed, waiting for a slot
	Running                 // Executing phases in its workspace
	Blocked                 // A transitive dependency failed or was cancelled
	Failed                  // Terminal: retry budget exhausted or fatal error
	Completed               // Terminal: all phases succeeded
	Cancelled               // Terminal: stopped by an operator
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Failed:
		return "failed"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == Failed || s == Completed || s == Cancelled
}

// Task is a unit of work tracked through the orchestrator.
type Task struct {
	ID        string
	Title     string
	Kind      string // Free-form tag (feature, bug, refactor, ...); not behavior-relevant
	DependsOn []string
	Status    Status
	Phase     phase.Phase // Current phase while Running
	Attempt   int         // Worker invocations consumed so far
	Pushbacks int         // NeedsRevision rewinds consumed so far
	LastError string
	Branch    string // Derived branch name, stable across restarts
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates a Pending task with its branch name derived from id and title.
func New(id, title, kind string, deps []string) *Task {
	now := time.Now()
	return &Task{
		ID:        id,
		Title:     title,
		Kind:      kind,
		DependsOn: append([]string(nil), deps...),
		Status:    Pending,
		Phase:     phase.Planning,
		Branch:    BranchName(id, title),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers can hand tasks across goroutines.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &cp
}

// maxSlugLen caps the title-derived portion of a branch name so the full ref
// stays comfortably inside filesystem and git limits.
const maxSlugLen = 40

// BranchName derives a deterministic, filesystem- and VCS-safe branch name
// from a task's id and title, e.g. "task/42-fix-login-redirect".
func BranchName(id, title string) string {
	slug := Slugify(title)
	if slug == "" {
		return fmt.Sprintf("task/%s", Slugify(id))
	}
	return fmt.Sprintf("task/%s-%s", Slugify(id), slug)
}

// Slugify lowercases s and collapses anything outside [a-z0-9] into single
// hyphens, trimming leading/trailing hyphens and capping the length.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // Suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
