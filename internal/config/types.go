package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that marshals as a human-readable string
// ("30m", "1h30m") and accepts either a string or nanoseconds in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
	return nil
}

// WorkerConfig defines the external worker command invoked once per phase.
type WorkerConfig struct {
	Command []string          `json:"command"`       // Executable and fixed arguments
	Env     map[string]string `json:"env,omitempty"` // Extra environment for every invocation
}

// Config is the top-level configuration.
type Config struct {
	RepoPath           string       `json:"repo_path"`            // Shared git repository tasks branch from
	BaseBranch         string       `json:"base_branch"`          // Integration branch
	WorktreeDir        string       `json:"worktree_dir"`         // Directory for task worktrees, relative to the repo
	DBPath             string       `json:"db_path"`              // SQLite database path
	Remote             string       `json:"remote"`               // Git remote pushes go to
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"` // Execution slot count
	RetryBudget        int          `json:"retry_budget"`         // Failures tolerated per phase
	PushbackLimit      int          `json:"pushback_limit"`       // Total revision rewinds tolerated per task
	PhaseTimeout       Duration     `json:"phase_timeout"`        // Wall-clock limit per phase invocation
	PortLeaseAttempts  int          `json:"port_lease_attempts"`  // Draws before a port lease gives up
	Worker             WorkerConfig `json:"worker"`
}
