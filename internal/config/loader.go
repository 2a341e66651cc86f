package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// overlay mirrors Config with pointer fields, so a merge can tell an
// explicitly configured zero apart from an absent key.
type overlay struct {
	RepoPath           *string       `json:"repo_path"`
	BaseBranch         *string       `json:"base_branch"`
	WorktreeDir        *string       `json:"worktree_dir"`
	DBPath             *string       `json:"db_path"`
	Remote             *string       `json:"remote"`
	MaxConcurrentTasks *int          `json:"max_concurrent_tasks"`
	RetryBudget        *int          `json:"retry_budget"`
	PushbackLimit      *int          `json:"pushback_limit"`
	PhaseTimeout       *Duration     `json:"phase_timeout"`
	PortLeaseAttempts  *int          `json:"port_lease_attempts"`
	Worker             *WorkerConfig `json:"worker"`
}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}
	return cfg, nil
}

// LoadDefault loads configuration from the conventional paths:
// ~/.foreman/config.json then .foreman/config.json relative to cwd.
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(
		filepath.Join(homeDir, ".foreman", "config.json"),
		filepath.Join(".foreman", "config.json"),
	)
}

// Validate checks the fields no default can supply.
func (c *Config) Validate() error {
	if c.RepoPath == "" {
		return fmt.Errorf("repo_path is required")
	}
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("worker.command is required")
	}
	return nil
}

// mergeConfigFile reads a JSON config file and overlays its present keys
// onto base. A missing file is silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded overlay
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.RepoPath != nil {
		base.RepoPath = *loaded.RepoPath
	}
	if loaded.BaseBranch != nil {
		base.BaseBranch = *loaded.BaseBranch
	}
	if loaded.WorktreeDir != nil {
		base.WorktreeDir = *loaded.WorktreeDir
	}
	if loaded.DBPath != nil {
		base.DBPath = *loaded.DBPath
	}
	if loaded.Remote != nil {
		base.Remote = *loaded.Remote
	}
	if loaded.MaxConcurrentTasks != nil {
		base.MaxConcurrentTasks = *loaded.MaxConcurrentTasks
	}
	if loaded.RetryBudget != nil {
		base.RetryBudget = *loaded.RetryBudget
	}
	if loaded.PushbackLimit != nil {
		base.PushbackLimit = *loaded.PushbackLimit
	}
	if loaded.PhaseTimeout != nil {
		base.PhaseTimeout = *loaded.PhaseTimeout
	}
	if loaded.PortLeaseAttempts != nil {
		base.PortLeaseAttempts = *loaded.PortLeaseAttempts
	}
	if loaded.Worker != nil {
		if len(loaded.Worker.Command) > 0 {
			base.Worker.Command = loaded.Worker.Command
		}
		if len(loaded.Worker.Env) > 0 {
			if base.Worker.Env == nil {
				base.Worker.Env = make(map[string]string)
			}
			for k, v := range loaded.Worker.Env {
				base.Worker.Env[k] = v
			}
		}
	}
	return nil
}
