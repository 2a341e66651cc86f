// Package slots bounds how many tasks may hold an execution slot at once.
package slots

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Controller is a FIFO concurrency gate: Acquire blocks cooperatively until
// fewer than the configured budget of slots are held, and waiters are served
// in arrival order so sustained submission bursts cannot starve anyone.
// The budget is static configuration; auto-scaling is an external policy.
type Controller struct {
	sem    *semaphore.Weighted
	budget int
	held   atomic.Int64
}

// NewController creates a Controller with the given budget (<=0 means 4).
func NewController(budget int) *Controller {
	if budget <= 0 {
		budget = 4
	}
	return &Controller{
		sem:    semaphore.NewWeighted(int64(budget)),
		budget: budget,
	}
}

// Slot is a held unit of concurrency. Release is idempotent so cleanup paths
// that run twice cannot double-free capacity.
type Slot struct {
	c    *Controller
	once sync.Once
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.held.Add(1)
	return &Slot{c: c}, nil
}

// Release returns the slot's capacity, unblocking at most one waiter.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.c.held.Add(-1)
		s.c.sem.Release(1)
	})
}

// Held returns the number of slots currently held.
func (c *Controller) Held() int {
	return int(c.held.Load())
}

// Budget returns the configured maximum.
func (c *Controller) Budget() int {
	return c.budget
}
