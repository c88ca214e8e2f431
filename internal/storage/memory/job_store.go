package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]scrape.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]scrape.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// UpdateJob applies a state transition atomically.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, update scrape.JobUpdate) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("%s: %w", jobID, scrape.ErrJobNotFound)
	}
	next, err := update.Apply(job)
	if err != nil {
		return job.Clone(), err
	}
	s.jobs[jobID] = next
	return next.Clone(), nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("%s: %w", jobID, scrape.ErrJobNotFound)
	}
	return job.Clone(), nil
}

// PruneFinished drops terminal jobs that finished before cutoff and returns
// how many were removed.
func (s *JobStore) PruneFinished(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.State.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}
