package store

import (
	"context"
	"fmt"
)

// initSchema creates all required tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL,
		phase TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		pushbacks INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS workspaces (
		task_id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_ref TEXT NOT NULL DEFAULT '',
		preserved INTEGER NOT NULL DEFAULT 0,
		destroyed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS port_leases (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		primary_port INTEGER NOT NULL,
		secondary_port INTEGER NOT NULL,
		released INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_port_leases_task_id ON port_leases(task_id);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}',
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_task_seq ON events(task_id, seq);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}
