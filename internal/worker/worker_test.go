package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/acquire"

	queuememory "github.com/JakeFAU/hostile-scraper/internal/queue/memory"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

type recordingExecutor struct {
	mu    sync.Mutex
	items []scrape.QueueItem
	fn    func(item scrape.QueueItem) error
}

func (e *recordingExecutor) Execute(_ context.Context, item scrape.QueueItem) error {
	e.mu.Lock()
	e.items = append(e.items, item)
	fn := e.fn
	e.mu.Unlock()
	if fn != nil {
		return fn(item)
	}
	return nil
}

func (e *recordingExecutor) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.items))
	for _, it := range e.items {
		out = append(out, it.JobID)
	}
	return out
}

func TestWorkerExecutesInOrderAndStopsOnClose(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(4)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: id}))
	}
	exec := &recordingExecutor{}
	w := New(1, q, exec, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return len(exec.seen()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, exec.seen())

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestWorkerSurvivesExecutorErrorsAndPanics(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(4)
	exec := &recordingExecutor{fn: func(item scrape.QueueItem) error {
		switch item.JobID {
		case "boom":
			panic("executor bug")
		case "err":
			return errors.New("job store down")
		}
		return nil
	}}
	for _, id := range []string{"boom", "err", "ok"} {
		require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: id}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(2, q, exec, nil).Run(ctx)

	require.Eventually(t, func() bool { return len(exec.seen()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(3, q, &recordingExecutor{}, nil).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

// failingQueue fails Dequeue until failFor calls have been made, then serves
// a single item followed by blocking.
type failingQueue struct {
	calls   atomic.Int32
	failFor int32
	served  atomic.Bool
}

func (q *failingQueue) Enqueue(context.Context, scrape.QueueItem) error { return nil }

func (q *failingQueue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	n := q.calls.Add(1)
	if q.failFor < 0 || n <= q.failFor {
		return scrape.QueueItem{}, errors.New("dial tcp 127.0.0.1:6379: connection refused")
	}
	if q.served.CompareAndSwap(false, true) {
		return scrape.QueueItem{JobID: "after-outage"}, nil
	}
	<-ctx.Done()
	return scrape.QueueItem{}, ctx.Err()
}

func TestWorkerBacksOffWhileQueueFails(t *testing.T) {
	t.Parallel()

	q := &failingQueue{failFor: -1}
	w := New(4, q, &recordingExecutor{}, nil)
	w.backoff = acquire.NewExponentialRetryPolicy(0, 20*time.Millisecond, 40*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	calls := q.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.Less(t, calls, int32(40), "dequeue retried without waiting")
}

func TestWorkerRecoversAfterQueueOutage(t *testing.T) {
	t.Parallel()

	q := &failingQueue{failFor: 3}
	exec := &recordingExecutor{}
	w := New(5, q, exec, nil)
	w.backoff = acquire.NewExponentialRetryPolicy(0, time.Millisecond, 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return len(exec.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after-outage"}, exec.seen())
}

func TestWorkerStopsDuringBackoff(t *testing.T) {
	t.Parallel()

	q := &failingQueue{failFor: -1}
	w := New(6, q, &recordingExecutor{}, nil)
	w.backoff = acquire.NewExponentialRetryPolicy(0, time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return q.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop while backing off")
	}
	assert.Equal(t, int32(1), q.calls.Load())
}
