package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forgeline/foreman/internal/phase"
	"github.com/forgeline/foreman/internal/task"
)

// SaveTask upserts a task and its dependency edges. Idempotent so that
// resume paths can re-save without conflict. Dependencies may reference
// tasks that are not persisted yet (forward references).
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, kind, status, phase, attempt, pushbacks, last_error, branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			kind = excluded.kind,
			status = excluded.status,
			phase = excluded.phase,
			attempt = excluded.attempt,
			pushbacks = excluded.pushbacks,
			last_error = excluded.last_error,
			branch = excluded.branch,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.Title, t.Kind, t.Status, t.Phase.String(), t.Attempt, t.Pushbacks, t.LastError, t.Branch)
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("clearing old dependencies: %w", err)
	}
	for _, dep := range t.DependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, t.ID, dep); err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", t.ID, dep, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// UpdateTaskStatus updates only the execution-state columns of a task.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status, ph phase.Phase, attempt, pushbacks int, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, phase = ?, attempt = ?, pushbacks = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, ph.String(), attempt, pushbacks, lastError, id)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// GetTask retrieves a task by id, including its dependency edges.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t := &task.Task{}
	var phaseName string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, kind, status, phase, attempt, pushbacks, last_error, branch, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.Title, &t.Kind, &t.Status, &phaseName, &t.Attempt, &t.Pushbacks, &t.LastError, &t.Branch, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	if t.Phase, err = phase.Parse(phaseName); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}

	if t.DependsOn, err = s.taskDependencies(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns all tasks in creation order with their dependencies.
func (s *Store) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, kind, status, phase, attempt, pushbacks, last_error, branch, created_at, updated_at
		FROM tasks ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t := &task.Task{}
		var phaseName string
		if err := rows.Scan(&t.ID, &t.Title, &t.Kind, &t.Status, &phaseName, &t.Attempt, &t.Pushbacks, &t.LastError, &t.Branch, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		if t.Phase, err = phase.Parse(phaseName); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}

	for _, t := range tasks {
		if t.DependsOn, err = s.taskDependencies(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *Store) taskDependencies(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies: %w", err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dependencies: %w", err)
	}
	return deps, nil
}
