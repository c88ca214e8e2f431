// Package worker implements the job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/acquire"
	"github.com/JakeFAU/hostile-scraper/internal/metrics"
	"github.com/JakeFAU/hostile-scraper/internal/queue"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// Executor runs one queued job to completion.
type Executor interface {
	Execute(ctx context.Context, item scrape.QueueItem) error
}

// Dequeue failure backoff bounds.
const (
	dequeueBackoffBase = 100 * time.Millisecond
	dequeueBackoffMax  = 5 * time.Second
)

// Worker consumes queue items and hands them to an Executor.
type Worker struct {
	id       int
	queue    scrape.Queue
	executor Executor
	logger   *zap.Logger
	// backoff spaces out Dequeue retries while the queue backend is failing.
	backoff acquire.RetryPolicy
}

// New constructs a Worker.
func New(id int, q scrape.Queue, executor Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    q,
		executor: executor,
		logger:   logger.Named("worker").With(zap.Int("worker", id)),
		backoff:  acquire.NewExponentialRetryPolicy(0, dequeueBackoffBase, dequeueBackoffMax),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	failures := 0
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			delay := w.backoff.Backoff(failures)
			if failures < 16 {
				failures++
			}
			w.logger.Error("queue dequeue failed", zap.Int("failures", failures), zap.Duration("retry_in", delay), zap.Error(err))
			if !wait(ctx, delay) {
				return
			}
			continue
		}
		failures = 0
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item scrape.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.execute(ctx, item); err != nil {
		w.logger.Error("job execution failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

func (w *Worker) execute(ctx context.Context, item scrape.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return w.executor.Execute(ctx, item)
}

// wait sleeps for d and reports false if ctx finished first.
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
