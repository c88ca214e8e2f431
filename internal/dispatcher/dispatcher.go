// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
	"github.com/JakeFAU/hostile-scraper/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers. Producers enqueue on
// the queue directly.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// NewPool builds n workers over queue, all handing items to executor.
func NewPool(queue scrape.Queue, executor worker.Executor, n int, logger *zap.Logger) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	workers := make([]*worker.Worker, 0, n)
	for i := range n {
		workers = append(workers, worker.New(i+1, queue, executor, logger))
	}
	return New(workers)
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
