package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.BaseBranch)
	assert.Equal(t, 4, cfg.MaxConcurrentTasks)
	assert.Equal(t, 3, cfg.RetryBudget)
	assert.Equal(t, 5, cfg.PushbackLimit)
	assert.Equal(t, Duration(30*time.Minute), cfg.PhaseTimeout)
	assert.Equal(t, 10, cfg.PortLeaseAttempts)
	assert.Equal(t, "origin", cfg.Remote)
}

func TestLoadMissingFilesAreNotErrors(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrentTasks)
}

func TestLoadMalformedJSONIsError(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{not json`)
	_, err := Load(path, "")
	require.Error(t, err)
}

func TestProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.json", `{
		"base_branch": "develop",
		"max_concurrent_tasks": 8,
		"worker": {"command": ["agent", "--global"]}
	}`)
	project := writeConfig(t, dir, "project.json", `{
		"max_concurrent_tasks": 2,
		"repo_path": "/srv/repo"
	}`)

	cfg, err := Load(global, project)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxConcurrentTasks, "project wins over global")
	assert.Equal(t, "develop", cfg.BaseBranch, "global wins over defaults")
	assert.Equal(t, "/srv/repo", cfg.RepoPath)
	assert.Equal(t, []string{"agent", "--global"}, cfg.Worker.Command)
	assert.Equal(t, 3, cfg.RetryBudget, "untouched keys keep defaults")
}

func TestExplicitZeroOverridesDefault(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{"retry_budget": 1, "pushback_limit": 0}`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.RetryBudget)
	assert.Equal(t, 0, cfg.PushbackLimit, "an explicit zero is not the same as absent")
}

func TestPhaseTimeoutAcceptsDurationString(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.json", `{"phase_timeout": "90s"}`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, Duration(90*time.Second), cfg.PhaseTimeout)
}

func TestWorkerEnvMerges(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.json", `{
		"worker": {"command": ["agent"], "env": {"A": "global", "B": "global"}}
	}`)
	project := writeConfig(t, dir, "project.json", `{
		"worker": {"env": {"B": "project", "C": "project"}}
	}`)

	cfg, err := Load(global, project)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent"}, cfg.Worker.Command, "project with no command keeps global's")
	assert.Equal(t, map[string]string{"A": "global", "B": "project", "C": "project"}, cfg.Worker.Env)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "repo_path is required")

	cfg.RepoPath = "/srv/repo"
	require.Error(t, cfg.Validate(), "worker command is required")

	cfg.Worker.Command = []string{"agent"}
	require.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.RepoPath = "/srv/repo"
	cfg.PhaseTimeout = Duration(45 * time.Minute)
	cfg.Worker.Command = []string{"agent", "--phase"}
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
