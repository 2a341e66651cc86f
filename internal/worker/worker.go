// Package worker invokes the external phase worker as a subprocess and
// translates its report into a phase result. The worker receives the full
// invocation as JSON on stdin plus FOREMAN_* environment variables, and
// reports back as a single JSON object on the last non-empty line of stdout.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/forgeline/foreman/internal/phase"
)

// Config configures the subprocess worker.
type Config struct {
	Command []string          // Worker executable and fixed arguments
	Env     map[string]string // Extra environment for every invocation
}

// report is the wire format a worker prints on stdout.
type report struct {
	Status   string `json:"status"` // "success", "failure" or "needs_revision"
	Artifact string `json:"artifact,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Target   string `json:"target,omitempty"` // Phase name for needs_revision
}

// request is the wire format written to the worker's stdin.
type request struct {
	TaskID   string            `json:"task_id"`
	Phase    string            `json:"phase"`
	Artifact string            `json:"artifact,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Attempt  int               `json:"attempt"`
	Workdir  string            `json:"workdir"`
	Env      map[string]string `json:"env,omitempty"`
}

// Exec runs one subprocess per phase invocation. Implements phase.Worker.
type Exec struct {
	cfg Config
	pm  *ProcessManager
}

// NewExec creates a subprocess worker. pm may be nil, in which case
// subprocesses are not tracked for shutdown.
func NewExec(cfg Config, pm *ProcessManager) (*Exec, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker command not configured")
	}
	return &Exec{cfg: cfg, pm: pm}, nil
}

// Invoke runs the worker subprocess for one phase and parses its report.
// A non-zero exit, unparseable output or unknown status is returned as an
// error; the phase machine treats it as a phase failure.
func (e *Exec) Invoke(ctx context.Context, inv phase.Invocation) (phase.Result, error) {
	stdin, err := json.Marshal(request{
		TaskID:   inv.TaskID,
		Phase:    inv.Phase.String(),
		Artifact: inv.Artifact,
		Reason:   inv.Reason,
		Attempt:  inv.Attempt,
		Workdir:  inv.Workdir,
		Env:      inv.Env,
	})
	if err != nil {
		return phase.Result{}, fmt.Errorf("encoding invocation: %w", err)
	}

	cmd := newCommand(ctx, e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.Dir = inv.Workdir
	cmd.Env = e.environ(inv)

	stdout, stderr, err := execute(cmd, string(stdin), e.pm)
	if err != nil {
		if ctx.Err() != nil {
			return phase.Result{}, ctx.Err()
		}
		return phase.Result{}, fmt.Errorf("worker %s: %w", e.cfg.Command[0], err)
	}

	rep, err := parseReport(stdout)
	if err != nil {
		return phase.Result{}, fmt.Errorf("worker %s: %w (stderr: %s)", e.cfg.Command[0], err, string(stderr))
	}
	return rep.toResult()
}

// environ builds the subprocess environment: the parent's, then configured
// extras, then per-invocation variables. Later entries win.
func (e *Exec) environ(inv phase.Invocation) []string {
	env := os.Environ()
	for k, v := range e.cfg.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"FOREMAN_TASK_ID="+inv.TaskID,
		"FOREMAN_PHASE="+inv.Phase.String(),
		"FOREMAN_ATTEMPT="+strconv.Itoa(inv.Attempt),
		"FOREMAN_WORKDIR="+inv.Workdir,
	)
	return env
}

// parseReport extracts the report from the last non-empty line of stdout,
// so workers may log freely to stdout before reporting.
func parseReport(stdout []byte) (report, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var rep report
		if err := json.Unmarshal([]byte(line), &rep); err != nil {
			return report{}, fmt.Errorf("parsing worker report %q: %w", line, err)
		}
		return rep, nil
	}
	return report{}, fmt.Errorf("worker produced no report")
}

// toResult maps a wire report onto a phase result.
func (r report) toResult() (phase.Result, error) {
	switch r.Status {
	case "success":
		return phase.Result{Kind: phase.Success, Artifact: r.Artifact}, nil
	case "failure":
		return phase.Result{Kind: phase.Failure, Reason: r.Reason}, nil
	case "needs_revision":
		target, err := phase.Parse(r.Target)
		if err != nil {
			return phase.Result{}, fmt.Errorf("revision target: %w", err)
		}
		return phase.Result{Kind: phase.NeedsRevision, Reason: r.Reason, Target: target}, nil
	default:
		return phase.Result{}, fmt.Errorf("unknown worker status %q", r.Status)
	}
}
