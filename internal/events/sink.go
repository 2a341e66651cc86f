package events

import (
	"context"
	"fmt"
	"time"
)

// catchUpInterval is how often an idle subscriber re-checks the journal for
// events the bus dropped.
const catchUpInterval = 100 * time.Millisecond

// Journal is the durable backing log for events. Append must persist the
// event before returning; Since returns a task's events with Seq greater
// than the given offset, in Seq order.
type Journal interface {
	AppendEvent(ctx context.Context, e Event) (int64, error)
	EventsSince(ctx context.Context, taskID string, afterSeq int64) ([]Event, error)
}

// Sink combines the durable journal with live fan-out. Append is durable
// before it returns; Subscribe yields an ordered, restartable-from-offset
// stream of one task's events.
type Sink struct {
	journal Journal
	bus     *Bus
}

// NewSink creates a Sink over the given journal.
func NewSink(journal Journal) *Sink {
	return &Sink{journal: journal, bus: NewBus()}
}

// Append persists the event, assigns its sequence number, and fans it out to
// live subscribers.
func (s *Sink) Append(ctx context.Context, e Event) error {
	seq, err := s.journal.AppendEvent(ctx, e)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	e.Seq = seq
	s.bus.Publish(e)
	return nil
}

// Subscribe streams the task's events starting after afterSeq: persisted
// events are replayed from the journal first, then live events follow. Gaps
// caused by a slow consumer are backfilled from the journal, so delivery is
// ordered and complete. The stream ends when ctx is cancelled.
func (s *Sink) Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan Event, error) {
	live := s.bus.Subscribe(taskID, 0)

	// Replay the durable backlog before handing the channel out, so the
	// caller observes a consistent offset even if no live events arrive.
	backlog, err := s.journal.EventsSince(ctx, taskID, afterSeq)
	if err != nil {
		s.bus.Unsubscribe(taskID, live)
		return nil, fmt.Errorf("reading event backlog: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer s.bus.Unsubscribe(taskID, live)

		last := afterSeq
		for _, e := range backlog {
			select {
			case out <- e:
				last = e.Seq
			case <-ctx.Done():
				return
			}
		}

		// The bus may drop events for a slow consumer. A live event with a
		// sequence gap triggers an immediate backfill; the ticker catches
		// drops at the tail, when no later live event arrives to reveal
		// the gap.
		catchUp := time.NewTicker(catchUpInterval)
		defer catchUp.Stop()

		deliver := func(e Event) bool {
			select {
			case out <- e:
				last = e.Seq
				return true
			case <-ctx.Done():
				return false
			}
		}
		backfill := func(before int64) bool {
			missed, err := s.journal.EventsSince(ctx, taskID, last)
			if err != nil {
				return false
			}
			for _, m := range missed {
				if before > 0 && m.Seq >= before {
					break
				}
				if !deliver(m) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-live:
				if !ok {
					return
				}
				if e.Seq <= last {
					continue // Already delivered during replay
				}
				if e.Seq > last+1 && !backfill(e.Seq) {
					return
				}
				if !deliver(e) {
					return
				}
			case <-catchUp.C:
				if !backfill(0) {
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts down live delivery. The journal remains readable.
func (s *Sink) Close() {
	s.bus.Close()
}
