package scrape

import (
	"context"
	"io"
	"time"
)

// Acquirer returns the raw document behind a URL.
type Acquirer interface {
	Fetch(ctx context.Context, url string) (RawDocument, error)
}

// SolveRequest is sent to an anti-bot solver.
type SolveRequest struct {
	URL        string
	Proxy      string
	MaxTimeout time.Duration
}

// Solver delegates a fetch to something that can pass bot challenges.
type Solver interface {
	Solve(ctx context.Context, req SolveRequest) (RawDocument, error)
}

// DirectRequest describes a plain HTTP GET, optionally through a proxy.
type DirectRequest struct {
	URL       string
	Proxy     string
	UserAgent string
	Timeout   time.Duration
}

// DirectFetcher performs the fallback fetch when the solver fails.
type DirectFetcher interface {
	FetchDirect(ctx context.Context, req DirectRequest) (RawDocument, error)
}

// ProxyPicker hands out one proxy endpoint per call; empty means none.
type ProxyPicker interface {
	Pick() string
}

// RawCache stores raw documents keyed by FetchKey with a TTL.
type RawCache interface {
	Get(ctx context.Context, key string) (RawDocument, bool, error)
	Put(ctx context.Context, key string, doc RawDocument) error
}

// RecordStore is the long-lived cache of normalized records.
type RecordStore interface {
	Get(ctx context.Context, collection, key string) (Record, bool, error)
	Put(ctx context.Context, collection, key string, record Record) error
}

// JobStore persists job metadata. UpdateJob must refuse transitions out of a
// terminal state.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Queue provides enqueue/dequeue semantics for jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// BlobStore reads and writes opaque objects by path. GetObject returns
// ErrObjectNotFound for missing paths.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes job completion events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
