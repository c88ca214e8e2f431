// Package schedule runs the periodic maintenance tasks: proxy list refresh
// and retention pruning.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/logging"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// Task is a named unit of periodic work.
type Task struct {
	Name string
	// Spec is a standard five-field cron expression or a descriptor such as
	// "@every 4h".
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps a cron runner. Overlapping runs of the same task are
// skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu    sync.Mutex
	ctx   context.Context
	tasks map[string]Task
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New builds an idle Scheduler.
func New(logger *zap.Logger) *Scheduler {
	logger = logging.OrNop(logger).Named("schedule")
	adapter := cronLogger{sugar: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		ctx:    context.Background(),
		tasks:  make(map[string]Task),
	}
}

// Add registers task. An empty Spec disables the task without error.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return errors.New("schedule: task name and run func are required")
	}
	if task.Spec == "" {
		s.logger.Info("task disabled", zap.String("task", task.Name))
		return nil
	}
	if _, err := parser.Parse(task.Spec); err != nil {
		return fmt.Errorf("schedule %s: %w", task.Name, err)
	}
	s.mu.Lock()
	if _, dup := s.tasks[task.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("schedule: task %s already registered", task.Name)
	}
	s.tasks[task.Name] = task
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(task.Spec, func() { s.run(task) }); err != nil {
		return fmt.Errorf("schedule %s: %w", task.Name, err)
	}
	return nil
}

// Start runs the scheduler until ctx is canceled, then waits for running
// tasks to return.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// RunNow executes the named task synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: unknown task %s", name)
	}
	return task.Run(ctx)
}

func (s *Scheduler) run(task Task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		s.logger.Warn("task failed", zap.String("task", task.Name), zap.Error(err))
		return
	}
	s.logger.Info("task finished", zap.String("task", task.Name), zap.Duration("duration", time.Since(start)))
}

// Submitter enqueues scrape jobs.
type Submitter interface {
	Submit(ctx context.Context, kind scrape.SourceKind, key string, args map[string]string) (scrape.Job, error)
}

// ProxyRefresh submits a proxyRefresh job for listURL.
func ProxyRefresh(spec string, jobs Submitter, listURL string) Task {
	return Task{
		Name: "proxy-refresh",
		Spec: spec,
		Run: func(ctx context.Context) error {
			if _, err := jobs.Submit(ctx, scrape.KindProxyRefresh, listURL, nil); err != nil {
				return fmt.Errorf("submit proxy refresh: %w", err)
			}
			return nil
		},
	}
}

// JobPruner drops terminal jobs finished before cutoff.
type JobPruner interface {
	PruneFinished(ctx context.Context, cutoff time.Time) (int, error)
}

// RecordPruner drops expired records.
type RecordPruner interface {
	Prune(ctx context.Context) (int, error)
}

// FlightPruner drops stale in-flight job reservations.
type FlightPruner interface {
	PruneInflight(ctx context.Context) (int, error)
}

// Prune removes expired records, jobs older than retention and stale
// in-flight reservations. Any pruner may be nil.
func Prune(
	spec string,
	jobs JobPruner,
	records RecordPruner,
	flights FlightPruner,
	retention time.Duration,
	clock scrape.Clock,
	logger *zap.Logger,
) Task {
	logger = logging.OrNop(logger)
	return Task{
		Name: "retention-prune",
		Spec: spec,
		Run: func(ctx context.Context) error {
			var errs []error
			if jobs != nil && retention > 0 {
				n, err := jobs.PruneFinished(ctx, clock.Now().Add(-retention))
				if err != nil {
					errs = append(errs, fmt.Errorf("prune jobs: %w", err))
				} else if n > 0 {
					logger.Info("pruned jobs", zap.Int("count", n))
				}
			}
			if records != nil {
				n, err := records.Prune(ctx)
				if err != nil {
					errs = append(errs, fmt.Errorf("prune records: %w", err))
				} else if n > 0 {
					logger.Info("pruned records", zap.Int("count", n))
				}
			}
			if flights != nil {
				n, err := flights.PruneInflight(ctx)
				if err != nil {
					errs = append(errs, fmt.Errorf("prune in-flight jobs: %w", err))
				} else if n > 0 {
					logger.Info("released in-flight jobs", zap.Int("count", n))
				}
			}
			return errors.Join(errs...)
		},
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
