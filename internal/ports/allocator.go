// Package ports leases collision-free pairs of network ports to running
// tasks using the operating system's ephemeral-port mechanism.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ErrLeaseExhausted indicates the allocator could not find a free pair after
// the configured number of draws. Transient; callers retry with backoff.
var ErrLeaseExhausted = errors.New("port lease exhausted")

// Lease is a temporarily-owned pair of ports: a primary and a secondary
// service port. Held for the lifetime of a task's Running state.
type Lease struct {
	ID        string
	TaskID    string
	Primary   int
	Secondary int
}

// Allocator hands out port pairs drawn from the OS ephemeral range. The OS,
// not the allocator, is the source of truth for true uniqueness; the
// allocator only guarantees it never hands out a number already held by a
// live lease.
type Allocator struct {
	mu       sync.Mutex
	leased   map[int]string   // port -> lease id
	live     map[string]Lease // lease id -> lease
	attempts int
}

// NewAllocator creates an Allocator. attempts bounds how many OS draws are
// made per requested port before giving up (<=0 means 10).
func NewAllocator(attempts int) *Allocator {
	if attempts <= 0 {
		attempts = 10
	}
	return &Allocator{
		leased:   make(map[int]string),
		live:     make(map[string]Lease),
		attempts: attempts,
	}
}

// Lease draws a pair of ports for the given task. The returned numbers are
// disjoint from every other live lease. Returns ErrLeaseExhausted when the
// OS keeps reporting numbers that are already leased.
func (a *Allocator) Lease(taskID string) (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := uuid.NewString()

	primary, err := a.drawLocked(id)
	if err != nil {
		return Lease{}, err
	}
	secondary, err := a.drawLocked(id)
	if err != nil {
		delete(a.leased, primary)
		return Lease{}, err
	}

	lease := Lease{ID: id, TaskID: taskID, Primary: primary, Secondary: secondary}
	a.live[id] = lease
	return lease, nil
}

// drawLocked asks the OS for one ephemeral port not currently leased.
// Caller holds the lock.
func (a *Allocator) drawLocked(leaseID string) (int, error) {
	for i := 0; i < a.attempts; i++ {
		port, err := ephemeralPort()
		if err != nil {
			return 0, err
		}
		if _, taken := a.leased[port]; taken {
			continue
		}
		a.leased[port] = leaseID
		return port, nil
	}
	return 0, fmt.Errorf("%w after %d draws", ErrLeaseExhausted, a.attempts)
}

// Release returns a lease's ports to the pool. Idempotent: releasing an
// unknown or already-released lease is a no-op, because cleanup paths may
// run twice under failure recovery.
func (a *Allocator) Release(lease Lease) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[lease.ID]; !ok {
		return
	}
	delete(a.live, lease.ID)
	delete(a.leased, lease.Primary)
	delete(a.leased, lease.Secondary)
}

// Live returns copies of all currently-held leases.
func (a *Allocator) Live() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Lease, 0, len(a.live))
	for _, l := range a.live {
		out = append(out, l)
	}
	return out
}

// ephemeralPort binds to port 0, reads back the OS-assigned number, and
// releases the bind while retaining the number as a hint.
func ephemeralPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("binding ephemeral port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
