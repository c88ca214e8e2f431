package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hostile-scraper/internal/queue"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

func TestQueueHandsJobToWaitingWorker(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan scrape.QueueItem, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			result <- item
		}
	}()

	item := scrape.QueueItem{JobID: "job-1", Kind: scrape.KindThread, Key: "https://old.reddit.com/r/golang"}
	require.NoError(t, q.Enqueue(context.Background(), item))
	select {
	case got := <-result:
		assert.Equal(t, item, got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "a"}))
	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "b"}))
	assert.Equal(t, 2, q.Len())

	err := q.Enqueue(context.Background(), scrape.QueueItem{JobID: "c"})
	require.ErrorIs(t, err, queue.ErrFull)
	require.ErrorContains(t, err, "depth 2")

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got.JobID)
	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "c"}))
}

func TestQueueHonoursContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, q.Enqueue(ctx, scrape.QueueItem{JobID: "x"}), context.Canceled)
	assert.Zero(t, q.Len())
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "pending"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), scrape.QueueItem{}), queue.ErrClosed)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", got.JobID)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestNewQueueClampsDepth(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "only"}))
	require.ErrorIs(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "more"}), queue.ErrFull)
}
