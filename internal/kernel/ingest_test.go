package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cogkernel/internal/model"
)

func TestQueuePushEvictsOldestAtCapacity(t *testing.T) {
	q := NewQueue(3)

	for i := 0; i < 3; i++ {
		evicted := q.Push(IngestItem{ProjectID: int64(i), Event: model.Event{Content: "event"}})
		require.False(t, evicted)
	}
	require.Equal(t, 3, q.Len())
	require.Equal(t, int64(0), q.Dropped())

	evicted := q.Push(IngestItem{ProjectID: 99, Event: model.Event{Content: "overflow"}})
	require.True(t, evicted)
	require.Equal(t, 3, q.Len())
	require.Equal(t, int64(1), q.Dropped())

	first, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(1), first.ProjectID) // item 0 was dropped, item 1 is now oldest
}

func TestQueuePopOnEmptyReturnsFalse(t *testing.T) {
	q := NewQueue(10)
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestQueueDropOldestUnderBurst(t *testing.T) {
	// Mirrors the shape of spec.md §8 scenario 1's burst: far more items
	// arrive than the queue can hold, and the oldest ones are the ones
	// sacrificed rather than the newest.
	q := NewQueue(100)
	for i := 0; i < 1000; i++ {
		q.Push(IngestItem{ProjectID: int64(i), Event: model.Event{Content: "burst"}})
	}
	require.Equal(t, 100, q.Len())
	require.Equal(t, int64(900), q.Dropped())

	oldestRemaining, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, int64(900), oldestRemaining.ProjectID)
}

func TestBusPublishDeliversToQueue(t *testing.T) {
	queue := NewQueue(10)
	bus, err := StartBus(BusOptions{Port: -1}, queue)
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	item := IngestItem{ProjectID: 42, Event: model.Event{Content: "published over NATS", CreatedAt: time.Now()}}
	require.NoError(t, bus.Publish(item))

	require.Eventually(t, func() bool {
		return queue.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, ok := queue.Pop()
	require.True(t, ok)
	require.Equal(t, int64(42), got.ProjectID)
	require.Equal(t, "published over NATS", got.Event.Content)
}
