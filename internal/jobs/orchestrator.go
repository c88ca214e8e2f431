// Package jobs runs the background job lifecycle: submit, execute once,
// poll status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/extract"
	"github.com/JakeFAU/hostile-scraper/internal/metrics"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// Defaults for Config fields left at zero.
const (
	DefaultExecutionTimeout = time.Hour
	DefaultStatusGrace      = 30 * time.Second
	finalWriteTimeout       = 10 * time.Second
)

// ErrInvalidRequest marks submissions rejected before any job is created.
var ErrInvalidRequest = errors.New("invalid request")

// Config controls job execution.
type Config struct {
	ExecutionTimeout time.Duration
	// StatusGrace is added to ExecutionTimeout before Status reports a stuck
	// job as timed out. It is never shorter than the final write timeout.
	StatusGrace time.Duration
	// Topic receives terminal job events. Empty disables publishing.
	Topic string
}

// Strategies looks up the strategy and record collection for a kind.
type Strategies interface {
	Lookup(kind scrape.SourceKind) (extract.Strategy, string, bool)
}

// Enqueuer hands queue items to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item scrape.QueueItem) error
}

// Deps are the collaborators of an Orchestrator. Publisher may be nil.
type Deps struct {
	Strategies Strategies
	Records    scrape.RecordStore
	Jobs       scrape.JobStore
	Queue      Enqueuer
	Publisher  scrape.Publisher
	IDs        scrape.IDGenerator
	Clock      scrape.Clock
	Logger     *zap.Logger
}

// Event is published when a job reaches a terminal state.
type Event struct {
	JobID      string            `json:"job_id"`
	Kind       scrape.SourceKind `json:"kind"`
	Key        string            `json:"key"`
	State      scrape.JobState   `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	Message    string            `json:"message,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Orchestrator creates jobs, deduplicates in-flight work and executes queued
// items.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

// flight reserves a (kind, key) while its job is being created. ready closes
// once id is set, or once the reservation is dropped after a failed create.
type flight struct {
	ready chan struct{}
	id    string
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Strategies == nil || deps.Records == nil || deps.Jobs == nil || deps.Queue == nil {
		return nil, errors.New("jobs: strategies, record store, job store and queue are required")
	}
	if deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("jobs: id generator and clock are required")
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.StatusGrace <= 0 {
		cfg.StatusGrace = DefaultStatusGrace
	}
	if cfg.StatusGrace < finalWriteTimeout {
		cfg.StatusGrace = finalWriteTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.Named("jobs"),
		inflight: make(map[string]*flight),
	}, nil
}

func flightKey(kind scrape.SourceKind, key string) string {
	return string(kind) + "|" + key
}

// Submit creates a job for (kind, key). A cached record yields a job that is
// already succeeded. An identical job still in flight is returned instead of
// a new one. The store calls for one key never hold up other keys.
func (o *Orchestrator) Submit(ctx context.Context, kind scrape.SourceKind, key string, args map[string]string) (scrape.Job, error) {
	if !kind.Valid() {
		return scrape.Job{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
	}
	_, collection, ok := o.deps.Strategies.Lookup(kind)
	if !ok {
		return scrape.Job{}, fmt.Errorf("%w: kind %q is not enabled", ErrInvalidRequest, kind)
	}
	nkey, err := extract.NormalizeKey(kind, key)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	log := o.logger.With(zap.String("kind", string(kind)), zap.String("key", nkey))

	if collection != "" {
		if job, hit, err := o.fromCache(ctx, kind, nkey, collection, args); err != nil || hit {
			return job, err
		}
	}

	fk := flightKey(kind, nkey)
	for {
		f, owner := o.reserve(fk)
		if owner {
			return o.create(ctx, fk, f, kind, nkey, args, log)
		}
		select {
		case <-f.ready:
		case <-ctx.Done():
			return scrape.Job{}, ctx.Err()
		}
		if f.id == "" {
			continue
		}
		existing, err := o.deps.Jobs.GetJob(ctx, f.id)
		if err == nil && !existing.State.Terminal() && !o.pastDeadline(existing.CreatedAt) {
			log.Debug("joined in-flight job", zap.String("job_id", f.id))
			return existing, nil
		}
		o.drop(fk, f)
	}
}

// reserve returns the flight for fk, creating one owned by the caller when
// none exists.
func (o *Orchestrator) reserve(fk string) (*flight, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.inflight[fk]; ok {
		return f, false
	}
	f := &flight{ready: make(chan struct{})}
	o.inflight[fk] = f
	return f, true
}

func (o *Orchestrator) create(
	ctx context.Context,
	fk string,
	f *flight,
	kind scrape.SourceKind,
	key string,
	args map[string]string,
	log *zap.Logger,
) (scrape.Job, error) {
	job, err := o.newJob(kind, key, args)
	if err == nil {
		if cerr := o.deps.Jobs.CreateJob(ctx, job); cerr != nil {
			err = fmt.Errorf("create job: %w", cerr)
		}
	}
	o.mu.Lock()
	if err != nil {
		if o.inflight[fk] == f {
			delete(o.inflight, fk)
		}
	} else {
		f.id = job.ID
	}
	o.mu.Unlock()
	close(f.ready)
	if err != nil {
		return scrape.Job{}, err
	}

	item := scrape.QueueItem{
		JobID:     job.ID,
		Kind:      kind,
		Key:       key,
		Args:      job.Args,
		Attempt:   1,
		Submitted: job.CreatedAt.UnixMilli(),
	}
	if err := o.deps.Queue.Enqueue(ctx, item); err != nil {
		o.drop(fk, f)
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if _, uerr := o.deps.Jobs.UpdateJob(context.WithoutCancel(ctx), job.ID, scrape.JobUpdate{
			State: scrape.JobFailed, Reason: reason, At: o.deps.Clock.Now(),
		}); uerr != nil {
			log.Error("mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(uerr))
		}
		return scrape.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	log.Info("job submitted", zap.String("job_id", job.ID))
	return job, nil
}

func (o *Orchestrator) fromCache(
	ctx context.Context,
	kind scrape.SourceKind,
	key, collection string,
	args map[string]string,
) (scrape.Job, bool, error) {
	rec, hit, err := o.deps.Records.Get(ctx, collection, key)
	if err != nil {
		o.logger.Warn("record cache lookup failed", zap.String("kind", string(kind)), zap.String("key", key), zap.Error(err))
		return scrape.Job{}, false, nil
	}
	metrics.ObserveRecordCache(string(kind), hit)
	if !hit {
		return scrape.Job{}, false, nil
	}

	job, err := o.newJob(kind, key, args)
	if err != nil {
		return scrape.Job{}, false, err
	}
	finished := job.CreatedAt
	job.State = scrape.JobSucceeded
	job.Payload = &scrape.Payload{Record: &rec}
	job.CacheHit = true
	job.FinishedAt = &finished
	if err := o.deps.Jobs.CreateJob(ctx, job); err != nil {
		return scrape.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(kind), string(scrape.JobSucceeded), 0)
	o.logger.Debug("served from record cache", zap.String("job_id", job.ID), zap.String("key", key))
	return job, true, nil
}

func (o *Orchestrator) newJob(kind scrape.SourceKind, key string, args map[string]string) (scrape.Job, error) {
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	copied := maps.Clone(args)
	if len(copied) == 0 {
		copied = nil
	}
	return scrape.Job{
		ID:        id,
		Kind:      kind,
		Key:       key,
		Args:      copied,
		State:     scrape.JobPending,
		CreatedAt: o.deps.Clock.Now(),
	}, nil
}

func (o *Orchestrator) drop(fk string, f *flight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[fk] == f {
		delete(o.inflight, fk)
	}
}

// release forgets fk if it still points at jobID.
func (o *Orchestrator) release(fk, jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.inflight[fk]; ok && f.id != "" && f.id == jobID {
		delete(o.inflight, fk)
		return true
	}
	return false
}

// Status returns the job without modifying the store. A job past its
// deadline plus StatusGrace is reported as failed; Execute writes the same
// outcome for it.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (scrape.Job, error) {
	job, err := o.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if job.State.Terminal() {
		o.release(flightKey(job.Kind, job.Key), job.ID)
		return job, nil
	}
	if o.pastDeadline(job.CreatedAt) {
		job.State = scrape.JobFailed
		job.Reason = o.timeoutReason()
	}
	return job, nil
}

// PruneInflight forgets in-flight entries whose job finished, vanished or ran
// past its deadline. Jobs executed by another process never release the
// entry in this one.
func (o *Orchestrator) PruneInflight(ctx context.Context) (int, error) {
	o.mu.Lock()
	pending := make(map[string]string, len(o.inflight))
	for fk, f := range o.inflight {
		if f.id != "" {
			pending[fk] = f.id
		}
	}
	o.mu.Unlock()

	var errs []error
	pruned := 0
	for fk, id := range pending {
		job, err := o.deps.Jobs.GetJob(ctx, id)
		switch {
		case errors.Is(err, scrape.ErrJobNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
			continue
		case !job.State.Terminal() && !o.pastDeadline(job.CreatedAt):
			continue
		}
		if o.release(fk, id) {
			pruned++
		}
	}
	return pruned, errors.Join(errs...)
}

func (o *Orchestrator) pastDeadline(created time.Time) bool {
	return o.deps.Clock.Now().Sub(created) > o.cfg.ExecutionTimeout+o.cfg.StatusGrace
}

func (o *Orchestrator) timeoutReason() string {
	return fmt.Sprintf("timed out after %s", o.cfg.ExecutionTimeout)
}

// Execute runs one queued job to a terminal state. The job's deadline is
// ExecutionTimeout after it was created: a job dequeued past it fails
// without running, and work still going at the deadline is cut off. It
// returns an error only when the job store cannot be updated.
func (o *Orchestrator) Execute(ctx context.Context, item scrape.QueueItem) error {
	fk := flightKey(item.Kind, item.Key)
	defer o.release(fk, item.JobID)
	log := o.logger.With(
		zap.String("job_id", item.JobID),
		zap.String("kind", string(item.Kind)),
		zap.String("key", item.Key),
	)

	deadline, err := o.deadline(ctx, item)
	if err != nil {
		return err
	}
	started := o.deps.Clock.Now()
	if !started.Before(deadline) {
		log.Warn("job expired in the queue", zap.Time("deadline", deadline))
		return o.finish(ctx, item, failed(o.timeoutReason()), started, log)
	}

	if _, err := o.deps.Jobs.UpdateJob(ctx, item.JobID, scrape.JobUpdate{State: scrape.JobRunning, At: started}); err != nil {
		if errors.Is(err, scrape.ErrInvalidTransition) {
			log.Info("skipping job that already finished")
			return nil
		}
		return fmt.Errorf("mark job running: %w", err)
	}

	update := o.run(ctx, item, deadline.Sub(started), log)
	if o.deps.Clock.Now().After(deadline) {
		log.Warn("job finished after its deadline", zap.String("state", string(update.State)))
		update = failed(o.timeoutReason())
	}
	return o.finish(ctx, item, update, started, log)
}

// deadline is CreatedAt plus ExecutionTimeout. Items without a submission
// time fall back to the stored job.
func (o *Orchestrator) deadline(ctx context.Context, item scrape.QueueItem) (time.Time, error) {
	if item.Submitted > 0 {
		return time.UnixMilli(item.Submitted).Add(o.cfg.ExecutionTimeout), nil
	}
	job, err := o.deps.Jobs.GetJob(ctx, item.JobID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load job: %w", err)
	}
	return job.CreatedAt.Add(o.cfg.ExecutionTimeout), nil
}

func (o *Orchestrator) finish(ctx context.Context, item scrape.QueueItem, update scrape.JobUpdate, started time.Time, log *zap.Logger) error {
	update.At = o.deps.Clock.Now()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	job, err := o.deps.Jobs.UpdateJob(writeCtx, item.JobID, update)
	if err != nil {
		if errors.Is(err, scrape.ErrInvalidTransition) {
			log.Info("skipping job that already finished")
			return nil
		}
		return fmt.Errorf("finish job: %w", err)
	}

	metrics.ObserveJob(string(item.Kind), string(job.State), update.At.Sub(started))
	log.Info("job finished", zap.String("state", string(job.State)), zap.String("reason", job.Reason))
	o.publish(writeCtx, job, log)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, item scrape.QueueItem, budget time.Duration, log *zap.Logger) scrape.JobUpdate {
	strategy, collection, ok := o.deps.Strategies.Lookup(item.Kind)
	if !ok {
		return failed(fmt.Sprintf("no strategy for kind %q", item.Kind))
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	rec, err := resolve(runCtx, strategy, scrape.Request{Kind: item.Kind, Key: item.Key, Args: item.Args})
	if err == nil {
		err = rec.Validate()
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return failed(o.timeoutReason())
		}
		if msg, soft := scrape.UserMessage(err); soft {
			log.Info("job finished without content", zap.String("message", msg), zap.Error(err))
			return scrape.JobUpdate{State: scrape.JobSucceeded, Payload: &scrape.Payload{Error: msg}}
		}
		log.Warn("job failed", zap.Error(err))
		return failed(err.Error())
	}

	rec.Kind = item.Kind
	rec.Key = item.Key
	if collection != "" {
		if err := o.deps.Records.Put(runCtx, collection, item.Key, rec); err != nil {
			log.Error("record store write failed", zap.Error(err))
			return failed(fmt.Sprintf("store record: %v", err))
		}
	}
	return scrape.JobUpdate{State: scrape.JobSucceeded, Payload: &scrape.Payload{Record: &rec}}
}

func resolve(ctx context.Context, s extract.Strategy, req scrape.Request) (rec scrape.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return s.Resolve(ctx, req)
}

func failed(reason string) scrape.JobUpdate {
	return scrape.JobUpdate{State: scrape.JobFailed, Reason: reason}
}

func (o *Orchestrator) publish(ctx context.Context, job scrape.Job, log *zap.Logger) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	ev := Event{
		JobID:  job.ID,
		Kind:   job.Kind,
		Key:    job.Key,
		State:  job.State,
		Reason: job.Reason,
	}
	if job.Payload != nil {
		ev.Message = job.Payload.Error
	}
	if job.FinishedAt != nil {
		ev.FinishedAt = *job.FinishedAt
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, ev); err != nil {
		log.Warn("publish job event failed", zap.Error(err))
	}
}
