// Package redis persists job metadata in Redis so job status survives a
// restart and is visible to every process sharing the queue.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

const maxTxRetries = 5

// Config controls key naming and how long finished jobs are kept.
type Config struct {
	Prefix    string
	Retention time.Duration
}

// JobStore stores each job as a JSON string under <prefix><id>.
type JobStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewJobStore builds a JobStore on an existing client.
func NewJobStore(client redis.UniversalClient, cfg Config) (*JobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "scraper:job:"
	}
	return &JobStore{client: client, prefix: cfg.Prefix, retention: cfg.Retention}, nil
}

func (s *JobStore) key(id string) string { return s.prefix + id }

// CreateJob stores a new job, failing if the ID already exists.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(job.ID), data, s.ttlFor(job)).Result()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if !ok {
		return errors.New("job already exists")
	}
	return nil
}

// UpdateJob applies a transition inside a WATCH/MULTI transaction so two
// writers cannot both move the same job out of a non-terminal state.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, update scrape.JobUpdate) (scrape.Job, error) {
	key := s.key(jobID)
	var result scrape.Job
	txf := func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, jobID)
		if err != nil {
			return err
		}
		next, err := update.Apply(job)
		if err != nil {
			result = job
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttlFor(next))
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return scrape.Job{}, fmt.Errorf("update job %s: too much contention", jobID)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	return s.load(ctx, s.client, jobID)
}

func (s *JobStore) load(ctx context.Context, c redis.Cmdable, jobID string) (scrape.Job, error) {
	raw, err := c.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return scrape.Job{}, fmt.Errorf("%s: %w", jobID, scrape.ErrJobNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("load job: %w", err)
	}
	var job scrape.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return scrape.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// Finished jobs expire after the retention window; live ones never do.
func (s *JobStore) ttlFor(job scrape.Job) time.Duration {
	if job.State.Terminal() && s.retention > 0 {
		return s.retention
	}
	return 0
}
