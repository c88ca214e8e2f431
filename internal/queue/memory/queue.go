// Package memory provides a bounded in-process job broker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/hostile-scraper/internal/queue"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// Queue is a bounded in-memory broker. Enqueue never blocks: a full buffer
// rejects the job with queue.ErrFull.
type Queue struct {
	ch     chan scrape.QueueItem
	mu     sync.Mutex
	closed bool
}

// NewQueue constructs a queue holding at most depth pending jobs.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 1
	}
	return &Queue{
		ch: make(chan scrape.QueueItem, depth),
	}
}

// Enqueue buffers item for the worker pool.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", item.JobID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w (depth %d)", item.JobID, queue.ErrFull, cap(q.ch))
	}
}

// Dequeue waits for the next job. Items buffered before Close are still
// delivered; after that it returns queue.ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	select {
	case <-ctx.Done():
		return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return scrape.QueueItem{}, queue.ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting jobs. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
