package store

import (
	"context"
	"fmt"

	"github.com/forgeline/foreman/internal/ports"
)

// SaveLease records a port lease as held by its task.
func (s *Store) SaveLease(ctx context.Context, lease ports.Lease) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO port_leases (id, task_id, primary_port, secondary_port, released)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, lease.ID, lease.TaskID, lease.Primary, lease.Secondary)
	if err != nil {
		return fmt.Errorf("saving port lease: %w", err)
	}
	return nil
}

// ReleaseLease marks a lease released. Idempotent: releasing an unknown or
// already-released lease succeeds, because cleanup paths may run twice.
func (s *Store) ReleaseLease(ctx context.Context, leaseID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE port_leases SET released = 1 WHERE id = ?
	`, leaseID); err != nil {
		return fmt.Errorf("releasing port lease: %w", err)
	}
	return nil
}

// OpenLeases returns leases never marked released; after a crash these are
// stale (the allocator's in-memory state is gone) and are closed out during
// resume.
func (s *Store) OpenLeases(ctx context.Context) ([]ports.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, primary_port, secondary_port
		FROM port_leases WHERE released = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("querying open leases: %w", err)
	}
	defer rows.Close()

	var out []ports.Lease
	for rows.Next() {
		var l ports.Lease
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Primary, &l.Secondary); err != nil {
			return nil, fmt.Errorf("scanning lease: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating leases: %w", err)
	}
	return out, nil
}
