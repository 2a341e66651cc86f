// Package workspace creates and destroys isolated git worktrees, one per
// running task, all sharing a single underlying repository object store.
package workspace

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forgeline/foreman/internal/task"
)

// ErrConflict indicates a workspace already exists at the derived path or
// branch. The manager retries once with a disambiguating suffix; a second
// collision surfaces this error to the caller.
var ErrConflict = errors.New("workspace conflict")

// Workspace is an isolated working tree bound to exactly one task.
type Workspace struct {
	TaskID    string
	Path      string
	Branch    string
	BaseRef   string // Commit the worktree was created from
	Preserved bool
}

// Config configures the manager.
type Config struct {
	RepoPath   string // Absolute path to the shared git repository
	BaseBranch string // Integration branch worktrees are created from
	Dir        string // Directory under the repo for worktrees (default ".foreman/worktrees")
}

// Manager provisions worktrees under a single repository.
type Manager struct {
	cfg Config
}

// NewManager creates a workspace manager.
func NewManager(cfg Config) *Manager {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".foreman", "worktrees")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Manager{cfg: cfg}
}

// Create provisions a worktree for the task on a fresh branch off the
// integration branch. On a path or branch collision it retries exactly once
// with a suffix derived from the task id; a second collision is fatal.
func (m *Manager) Create(ctx context.Context, t *task.Task) (*Workspace, error) {
	branch := t.Branch
	if branch == "" {
		branch = task.BranchName(t.ID, t.Title)
	}

	ws, err := m.create(ctx, t.ID, branch, t.ID)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}

	suffix := disambiguator(t.ID)
	ws, err = m.create(ctx, t.ID, branch+"-"+suffix, t.ID+"-"+suffix)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: branch %s collided twice", ErrConflict, branch)
		}
		return nil, err
	}
	return ws, nil
}

func (m *Manager) create(ctx context.Context, taskID, branch, dirName string) (*Workspace, error) {
	path := filepath.Join(m.cfg.RepoPath, m.cfg.Dir, dirName)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: path %s already exists", ErrConflict, path)
	}
	if m.branchExists(ctx, branch) {
		return nil, fmt.Errorf("%w: branch %s already exists", ErrConflict, branch)
	}

	out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, path, m.cfg.BaseBranch)
	if err != nil {
		if strings.Contains(out, "already exists") || strings.Contains(out, "already registered") {
			return nil, fmt.Errorf("%w: %s", ErrConflict, strings.TrimSpace(out))
		}
		return nil, fmt.Errorf("creating worktree: %w (output: %s)", err, out)
	}

	head, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("reading base ref: %w (output: %s)", err, head)
	}

	return &Workspace{
		TaskID:  taskID,
		Path:    path,
		Branch:  branch,
		BaseRef: strings.TrimSpace(head),
	}, nil
}

// Destroy removes the worktree and deletes its branch. Idempotent:
// destroying an already-destroyed or never-created workspace is a no-op,
// because cleanup paths may run twice under failure recovery.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}

	if _, err := os.Stat(ws.Path); os.IsNotExist(err) {
		// Directory already gone; clear any stale registration and branch.
		_, _ = m.git(ctx, m.cfg.RepoPath, "worktree", "prune")
		_, _ = m.git(ctx, m.cfg.RepoPath, "branch", "-D", ws.Branch)
		return nil
	}

	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", ws.Path); err != nil {
		if fout, ferr := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", ws.Path); ferr != nil {
			return fmt.Errorf("removing worktree: %w (output: %s, force output: %s)", ferr, out, fout)
		}
	}

	if _, err := m.git(ctx, m.cfg.RepoPath, "branch", "-d", ws.Branch); err != nil {
		// Unmerged branch: force delete. The work is gone with the worktree.
		_, _ = m.git(ctx, m.cfg.RepoPath, "branch", "-D", ws.Branch)
	}
	return nil
}

// Preserve marks the workspace as kept for operator inspection. The files
// and branch remain; only the task's port lease is released by the caller.
func (m *Manager) Preserve(ws *Workspace) {
	if ws != nil {
		ws.Preserved = true
	}
}

// List returns all worktrees under the manager's directory, parsed from
// `git worktree list --porcelain`.
func (m *Manager) List(ctx context.Context) ([]Workspace, error) {
	out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w (output: %s)", err, out)
	}

	root := filepath.Join(m.cfg.RepoPath, m.cfg.Dir)
	var result []Workspace
	var current Workspace

	flush := func() {
		if current.Path != "" && strings.HasPrefix(current.Path, root) {
			result = append(result, current)
		}
		current = Workspace{}
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.BaseRef = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		}
	}
	flush()
	return result, nil
}

// Prune clears stale worktree metadata left behind by crashes.
func (m *Manager) Prune(ctx context.Context) error {
	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktrees: %w (output: %s)", err, out)
	}
	return nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = m.cfg.RepoPath
	return cmd.Run() == nil
}

// git runs a git command in dir and returns its combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// disambiguator derives a short stable suffix from a task id.
func disambiguator(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:4])
}
