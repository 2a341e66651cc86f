package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forgeline/foreman/internal/workspace"
)

// SaveWorkspace upserts a workspace record for its task.
func (s *Store) SaveWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (task_id, path, branch, base_ref, preserved, destroyed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id) DO UPDATE SET
			path = excluded.path,
			branch = excluded.branch,
			base_ref = excluded.base_ref,
			preserved = excluded.preserved,
			destroyed = 0,
			updated_at = CURRENT_TIMESTAMP
	`, ws.TaskID, ws.Path, ws.Branch, ws.BaseRef, ws.Preserved)
	if err != nil {
		return fmt.Errorf("saving workspace: %w", err)
	}
	return nil
}

// MarkWorkspaceDestroyed records that a task's workspace no longer exists on
// disk. Idempotent.
func (s *Store) MarkWorkspaceDestroyed(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET destroyed = 1, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?
	`, taskID); err != nil {
		return fmt.Errorf("marking workspace destroyed: %w", err)
	}
	return nil
}

// MarkWorkspacePreserved records that a task's workspace was kept for
// operator inspection after a failure or cancellation.
func (s *Store) MarkWorkspacePreserved(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET preserved = 1, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?
	`, taskID); err != nil {
		return fmt.Errorf("marking workspace preserved: %w", err)
	}
	return nil
}

// GetWorkspace returns a task's workspace record, or nil if none was ever
// created.
func (s *Store) GetWorkspace(ctx context.Context, taskID string) (*workspace.Workspace, bool, error) {
	ws := &workspace.Workspace{}
	var preserved, destroyed int
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, path, branch, base_ref, preserved, destroyed
		FROM workspaces WHERE task_id = ?
	`, taskID).Scan(&ws.TaskID, &ws.Path, &ws.Branch, &ws.BaseRef, &preserved, &destroyed)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying workspace: %w", err)
	}
	ws.Preserved = preserved == 1
	return ws, destroyed == 0, nil
}

// LiveWorkspaces returns workspaces that are neither destroyed nor
// preserved: candidates for reclamation after a crash.
func (s *Store) LiveWorkspaces(ctx context.Context) ([]*workspace.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, path, branch, base_ref, preserved
		FROM workspaces WHERE destroyed = 0 AND preserved = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("querying live workspaces: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Workspace
	for rows.Next() {
		ws := &workspace.Workspace{}
		var preserved int
		if err := rows.Scan(&ws.TaskID, &ws.Path, &ws.Branch, &ws.BaseRef, &preserved); err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		ws.Preserved = preserved == 1
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workspaces: %w", err)
	}
	return out, nil
}
