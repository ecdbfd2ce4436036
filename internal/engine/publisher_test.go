package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/maestro/internal/models"
)

func launchedEvent(t *testing.T, id string) models.Event {
	t.Helper()
	event, err := models.NewTaskLaunchedEvent(id, "scope", "agent", 1)
	require.NoError(t, err)
	return event
}

func TestPublisherDeliversToSubscribers(t *testing.T) {
	pub := NewChannelPublisher(16)
	defer pub.Close()

	first := pub.Subscribe(8)
	second := pub.Subscribe(8)

	pub.Publish(launchedEvent(t, "t1"))

	for _, sub := range []<-chan models.Event{first, second} {
		select {
		case event := <-sub:
			assert.Equal(t, models.EventTaskLaunched, event.Kind())
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestPublisherPreservesOrder(t *testing.T) {
	pub := NewChannelPublisher(16)
	defer pub.Close()

	sub := pub.Subscribe(16)
	for _, id := range []string{"a", "b", "c"} {
		pub.Publish(launchedEvent(t, id))
	}

	var ids []string
	for i := 0; i < 3; i++ {
		select {
		case event := <-sub:
			ids = append(ids, event.(models.TaskLaunchedEvent).TaskID)
		case <-time.After(2 * time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestPublisherNeverBlocksCaller(t *testing.T) {
	pub := NewChannelPublisher(1)
	defer pub.Close()

	// No subscriber is draining and the queue is tiny; every publish must
	// still return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			pub.Publish(launchedEvent(t, "burst"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked the caller")
	}
}

func TestPublisherCountsDrops(t *testing.T) {
	pub := NewChannelPublisher(1)
	defer pub.Close()

	for i := 0; i < 50; i++ {
		pub.Publish(launchedEvent(t, "burst"))
	}

	assert.Greater(t, pub.Dropped(), 0)
}

func TestPublisherCloseClosesSubscribers(t *testing.T) {
	pub := NewChannelPublisher(8)
	sub := pub.Subscribe(8)

	pub.Close()
	pub.Close() // Idempotent

	select {
	case _, open := <-sub:
		assert.False(t, open, "subscriber channel must close")
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel never closed")
	}

	// Publishing after close is a silent no-op.
	pub.Publish(launchedEvent(t, "late"))
}
