// Package gitops provides the version-control operations a task performs in
// its own workspace: committing, pushing, and opening a change request. All
// operations are scoped to a single worktree, so no cross-task locking is
// needed; isolation comes from distinct working trees sharing one object
// store.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/forgeline/foreman/internal/workspace"
)

// ErrPushRejected indicates the remote rejected a push twice: once outright
// and once after an automatic rebase onto the integration branch. The branch
// is never force-pushed.
var ErrPushRejected = errors.New("push rejected by remote")

// Config configures the git client.
type Config struct {
	BaseBranch string // Integration branch pushes are rebased onto
	Remote     string // Remote name (default "origin")
}

// Client runs git operations inside task workspaces.
type Client struct {
	cfg Config
}

// NewClient creates a git client.
func NewClient(cfg Config) *Client {
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Client{cfg: cfg}
}

// Commit stages and commits everything in the workspace. Returns false when
// the working tree is clean and there is nothing to commit.
func (c *Client) Commit(ctx context.Context, ws *workspace.Workspace, message string) (bool, error) {
	if out, err := c.git(ctx, ws.Path, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging changes: %w (output: %s)", err, out)
	}

	status, err := c.git(ctx, ws.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking status: %w (output: %s)", err, status)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if out, err := c.git(ctx, ws.Path, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("committing: %w (output: %s)", err, out)
	}
	return true, nil
}

// HasCommits reports whether the workspace branch has any commits beyond the
// base ref it was created from. Cancellation policy depends on this.
func (c *Client) HasCommits(ctx context.Context, ws *workspace.Workspace) (bool, error) {
	out, err := c.git(ctx, ws.Path, "rev-list", "--count", ws.BaseRef+"..HEAD")
	if err != nil {
		return false, fmt.Errorf("counting commits: %w (output: %s)", err, out)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, fmt.Errorf("parsing commit count %q: %w", out, err)
	}
	return n > 0, nil
}

// Push publishes the workspace branch to the remote. A non-fast-forward
// rejection triggers exactly one rebase onto the latest integration branch
// followed by a retry; a second rejection returns ErrPushRejected.
func (c *Client) Push(ctx context.Context, ws *workspace.Workspace) error {
	out, err := c.git(ctx, ws.Path, "push", "-u", c.cfg.Remote, ws.Branch)
	if err == nil {
		return nil
	}
	if !rejected(out) {
		return fmt.Errorf("pushing %s: %w (output: %s)", ws.Branch, err, out)
	}

	if out, err := c.git(ctx, ws.Path, "fetch", c.cfg.Remote); err != nil {
		return fmt.Errorf("fetching before rebase: %w (output: %s)", err, out)
	}
	if out, err := c.git(ctx, ws.Path, "rebase", c.cfg.Remote+"/"+c.cfg.BaseBranch); err != nil {
		_, _ = c.git(ctx, ws.Path, "rebase", "--abort")
		return fmt.Errorf("%w: rebase onto %s/%s failed: %s", ErrPushRejected, c.cfg.Remote, c.cfg.BaseBranch, out)
	}

	out, err = c.git(ctx, ws.Path, "push", "-u", c.cfg.Remote, ws.Branch)
	if err != nil {
		if rejected(out) {
			return fmt.Errorf("%w: %s still rejected after rebase", ErrPushRejected, ws.Branch)
		}
		return fmt.Errorf("pushing %s after rebase: %w (output: %s)", ws.Branch, err, out)
	}
	return nil
}

// OpenChangeRequest opens a pull request for the workspace branch via the gh
// CLI and returns its URL. Callers treat failure as non-fatal: the branch is
// pushed either way.
func (c *Client) OpenChangeRequest(ctx context.Context, ws *workspace.Workspace, summary string) (string, error) {
	out, err := c.gh(ctx, ws.Path,
		"pr", "create",
		"--head", ws.Branch,
		"--base", c.cfg.BaseBranch,
		"--title", summary,
		"--fill-first",
	)
	if err != nil {
		return "", fmt.Errorf("opening change request for %s: %w (output: %s)", ws.Branch, err, out)
	}
	return strings.TrimSpace(out), nil
}

// rejected reports whether push output indicates a non-fast-forward
// rejection rather than some other failure.
func rejected(out string) bool {
	return strings.Contains(out, "[rejected]") ||
		strings.Contains(out, "non-fast-forward") ||
		strings.Contains(out, "fetch first")
}

func (c *Client) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (c *Client) gh(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
