package config

import (
	"path/filepath"
	"time"
)

// DefaultConfig returns the built-in defaults. RepoPath and the worker
// command have no sensible defaults and must come from a config file or
// flags.
func DefaultConfig() *Config {
	return &Config{
		BaseBranch:         "main",
		WorktreeDir:        filepath.Join(".foreman", "worktrees"),
		DBPath:             filepath.Join(".foreman", "foreman.db"),
		Remote:             "origin",
		MaxConcurrentTasks: 4,
		RetryBudget:        3,
		PushbackLimit:      5,
		PhaseTimeout:       Duration(30 * time.Minute),
		PortLeaseAttempts:  10,
	}
}
