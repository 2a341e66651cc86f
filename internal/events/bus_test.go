package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesTaskSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("t-1", 10)
	bus.Publish(Info("t-1", "planning", "started"))

	e := recv(t, ch)
	assert.Equal(t, "t-1", e.TaskID)
	assert.Equal(t, "started", e.Message)
}

func TestSubscriberOnlySeesItsTask(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("t-1", 10)
	bus.Publish(Info("t-2", "coding", "other task"))
	bus.Publish(Info("t-1", "planning", "mine"))

	e := recv(t, ch)
	assert.Equal(t, "mine", e.Message)
	assert.Empty(t, ch)
}

func TestSubscribeAllSeesEveryTask(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(Info("t-1", "planning", "one"))
	bus.Publish(Info("t-2", "coding", "two"))

	assert.Equal(t, "one", recv(t, all).Message)
	assert.Equal(t, "two", recv(t, all).Message)
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("t-1", 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(Info("t-1", "planning", "flood"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1, "excess events dropped, not queued")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("t-1", 10)
	bus.Unsubscribe("t-1", ch)

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe reaches nobody, and panics nothing.
	bus.Publish(Info("t-1", "planning", "into the void"))
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("t-1", 10)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Subscribing after close yields a closed channel rather than a leak.
	late := bus.Subscribe("t-2", 10)
	_, ok = <-late
	assert.False(t, ok)
}
