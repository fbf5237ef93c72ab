package kernel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cogkernel/internal/episodic"
	"cogkernel/internal/model"
)

func TestIngestWorkerPoolDrainsQueuedEventsIntoTheEpisodicLog(t *testing.T) {
	k := newTestKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	projectID, err := k.ResolveProject(ctx, "p-worker")
	require.NoError(t, err)

	queue := NewQueue(10)
	for i := 0; i < 5; i++ {
		queue.Push(IngestItem{
			ProjectID: projectID,
			Event: model.Event{
				CreatedAt: time.Now(),
				Content:   fmt.Sprintf("queued event %d", i),
				Kind:      model.EventMessage,
				Outcome:   model.OutcomeUnknown,
			},
		})
	}

	pool := NewIngestWorkerPool(k, queue, 2)
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	require.Eventually(t, func() bool {
		return queue.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	page, err := k.Episodic.RecallEvents(ctx, projectID, episodic.RecallFilters{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 5)
}
