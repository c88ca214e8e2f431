package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hostile-scraper/internal/clock/system"
	"github.com/JakeFAU/hostile-scraper/internal/extract"
	"github.com/JakeFAU/hostile-scraper/internal/id/uuid"
	"github.com/JakeFAU/hostile-scraper/internal/jobs"
	"github.com/JakeFAU/hostile-scraper/internal/queue"
	queuememory "github.com/JakeFAU/hostile-scraper/internal/queue/memory"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
	"github.com/JakeFAU/hostile-scraper/internal/storage/memory"
)

type apiHarness struct {
	server  *Server
	orch    *jobs.Orchestrator
	queue   *queuememory.Queue
	records *memory.RecordStore
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	clock := system.New()
	registry := extract.NewRegistry()
	registry.Register(scrape.KindArticle, extract.CollectionArticles, extract.StrategyFunc(
		func(_ context.Context, req scrape.Request) (scrape.Record, error) {
			return scrape.Record{Title: "t", Text: "body of " + req.Key}, nil
		}))
	h := &apiHarness{
		queue:   queuememory.NewQueue(8),
		records: memory.NewRecordStore(0, clock),
	}
	orch, err := jobs.New(jobs.Config{}, jobs.Deps{
		Strategies: registry,
		Records:    h.records,
		Jobs:       memory.NewJobStore(),
		Queue:      h.queue,
		IDs:        uuid.New(),
		Clock:      clock,
	})
	require.NoError(t, err)
	h.orch = orch
	h.server = NewServer(orch, Config{}, nil)
	return h
}

func (h *apiHarness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitThenPollStatus(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(http.MethodPost, "/v1/jobs", `{"kind":"article","key":"https://Medium.com/p/1#top"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.JobID)
	assert.Equal(t, scrape.JobPending, submitted.State)
	assert.False(t, submitted.CacheHit)

	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, submitted.JobID, item.JobID)
	require.NoError(t, h.orch.Execute(context.Background(), item))

	for _, path := range []string{"/v1/jobs/" + submitted.JobID, "/v1/jobs/" + submitted.JobID + "/status"} {
		rec = h.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		var job scrape.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		assert.Equal(t, scrape.JobSucceeded, job.State)
		require.NotNil(t, job.Payload)
		require.NotNil(t, job.Payload.Record)
		assert.Equal(t, "body of https://medium.com/p/1", job.Payload.Record.Text)
	}
}

func TestServer_SubmitCacheHitReturnsOK(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	require.NoError(t, h.records.Put(context.Background(), extract.CollectionArticles,
		"https://medium.com/p/2", scrape.Record{Title: "cached", Text: "cached text"}))

	rec := h.do(http.MethodPost, "/v1/jobs", `{"kind":"article","key":"https://medium.com/p/2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var submitted submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, scrape.JobSucceeded, submitted.State)
	assert.True(t, submitted.CacheHit)
	assert.Zero(t, h.queue.Len())
}

func TestServer_SubmitRejectsBadInput(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid JSON"},
		{name: "missing key", body: `{"kind":"article"}`, want: "kind and key are required"},
		{name: "unknown kind", body: `{"kind":"poetry","key":"x"}`, want: "unknown kind"},
		{name: "kind not registered", body: `{"kind":"thread","key":"https://reddit.com/r/x"}`, want: "not enabled"},
		{name: "bad url", body: `{"kind":"article","key":"ftp://example.com"}`, want: "invalid request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/v1/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestServer_StatusUnknownJob(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "job not found")
}

type failingService struct{ err error }

func (f failingService) Submit(context.Context, scrape.SourceKind, string, map[string]string) (scrape.Job, error) {
	return scrape.Job{}, f.err
}

func (f failingService) Status(context.Context, string) (scrape.Job, error) {
	return scrape.Job{}, f.err
}

func TestServer_InternalErrors(t *testing.T) {
	t.Parallel()

	server := NewServer(failingService{err: errors.New("queue closed")}, Config{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs",
		bytes.NewBufferString(`{"kind":"lyrics","key":"x"}`)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue closed")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("wrap: %w", jobs.ErrInvalidRequest)))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", scrape.ErrJobNotFound)))
	assert.Equal(t, http.StatusRequestTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("enqueue job: %w", queue.ErrFull)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	healthy := NewServer(failingService{}, Config{Checks: map[string]ReadinessCheck{
		"redis": func(context.Context) error { return nil },
	}}, nil)
	rec := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	broken := NewServer(failingService{}, Config{Checks: map[string]ReadinessCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}, nil)
	rec = httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	h.do(http.MethodGet, "/healthz", "")
	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	s := NewServer(failingService{}, Config{}, nil)
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	h := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "request timed out")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
