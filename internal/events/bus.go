package events

import (
	"sync"
)

// topicAll receives every published event regardless of task.
const topicAll = "*"

// Bus is a channel-based pub-sub fan-out for live event delivery. Publish is
// non-blocking: a subscriber whose channel is full misses events and is
// expected to recover them from the journal by sequence number.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event // task id (or topicAll) -> subscriber channels
	closed bool
}

// NewBus creates a new bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe registers for events of one task. bufSize defaults to 256.
func (b *Bus) Subscribe(taskID string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[taskID] = append(b.subs[taskID], ch)
	return ch
}

// SubscribeAll registers for events of every task.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	return b.Subscribe(topicAll, bufSize)
}

// Unsubscribe removes a channel previously returned by Subscribe and closes
// it. Safe to call after Close.
func (b *Bus) Unsubscribe(taskID string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	channels := b.subs[taskID]
	for i, c := range channels {
		if c == ch {
			b.subs[taskID] = append(channels[:i], channels[i+1:]...)
			close(c)
			return
		}
	}
}

// Publish fans the event out to the task's subscribers and to all-task
// subscribers. Never blocks; full channels drop the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs[e.TaskID] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range b.subs[topicAll] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
}
