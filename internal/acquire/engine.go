// Package acquire turns a URL into a RawDocument: raw cache first, then the
// anti-bot solver, then a direct fetch, retried with a fresh proxy each time.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/hostile-scraper/internal/metrics"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxAttempts      = 3
	DefaultSolverMaxTimeout = 30 * time.Second
	DefaultSolverTimeout    = 60 * time.Second
	DefaultDirectTimeout    = 25 * time.Second
	defaultBackoffMax       = 5 * time.Second
)

// Budget is the longest one acquisition can run: every attempt spends its
// solver and direct timeouts, with a full backoff between attempts. Pass a
// zero solverTimeout when no solver is configured.
func Budget(maxAttempts int, solverTimeout, directTimeout, backoffMax time.Duration) time.Duration {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	n := time.Duration(maxAttempts)
	return n*(solverTimeout+directTimeout) + (n-1)*backoffMax
}

// Config tunes the acquisition loop.
type Config struct {
	MaxAttempts int
	// SolverMaxTimeout is the challenge budget handed to the solver.
	SolverMaxTimeout time.Duration
	// SolverTimeout bounds the whole solver round trip.
	SolverTimeout time.Duration
	DirectTimeout time.Duration
	// FlightTimeout bounds a shared network flight, which outlives the
	// caller that started it. Zero derives it from Budget.
	FlightTimeout time.Duration
	UserAgent     string
}

// ChallengeDetector recognizes anti-bot interstitials returned as 200s.
type ChallengeDetector interface {
	IsChallenge(body string) bool
}

// HostLimiter throttles requests per host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Deps are the collaborators of an Engine. Solver, Detector and Limiter may
// be nil.
type Deps struct {
	Cache    scrape.RawCache
	Solver   scrape.Solver
	Direct   scrape.DirectFetcher
	Proxies  scrape.ProxyPicker
	Detector ChallengeDetector
	Limiter  HostLimiter
	Retry    RetryPolicy
	Clock    scrape.Clock
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Engine implements scrape.Acquirer.
type Engine struct {
	cfg    Config
	deps   Deps
	flight singleflight.Group
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
}

// NewEngine validates deps and applies defaults.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Cache == nil {
		return nil, errors.New("acquire: raw cache is required")
	}
	if deps.Direct == nil {
		return nil, errors.New("acquire: direct fetcher is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("acquire: clock is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SolverMaxTimeout <= 0 {
		cfg.SolverMaxTimeout = DefaultSolverMaxTimeout
	}
	if cfg.SolverTimeout <= 0 {
		cfg.SolverTimeout = DefaultSolverTimeout
	}
	if cfg.SolverTimeout <= cfg.SolverMaxTimeout {
		return nil, fmt.Errorf("acquire: solver timeout %s must exceed solver max timeout %s",
			cfg.SolverTimeout, cfg.SolverMaxTimeout)
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = DefaultDirectTimeout
	}
	if cfg.FlightTimeout <= 0 {
		solverTimeout := cfg.SolverTimeout
		if deps.Solver == nil {
			solverTimeout = 0
		}
		cfg.FlightTimeout = Budget(cfg.MaxAttempts, solverTimeout, cfg.DirectTimeout, defaultBackoffMax)
	}
	if deps.Proxies == nil {
		deps.Proxies = noProxy{}
	}
	if deps.Retry == nil {
		deps.Retry = NewExponentialRetryPolicy(cfg.MaxAttempts, 0, 0)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/hostile-scraper/internal/acquire")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		sleep:  sleepCtx,
		logger: deps.Logger.Named("acquire"),
	}, nil
}

type noProxy struct{}

func (noProxy) Pick() string { return "" }

// Fetch returns the document behind rawURL. Concurrent calls for the same
// normalized URL share one network flight. The flight runs detached from
// every caller's cancellation, bounded by FlightTimeout, so a caller that
// gives up returns its own context error without failing the others.
func (e *Engine) Fetch(ctx context.Context, rawURL string) (scrape.RawDocument, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return scrape.RawDocument{}, err
	}

	ctx, span := e.deps.Tracer.Start(ctx, "acquire.Fetch", trace.WithAttributes(attribute.String("url", key)))
	defer span.End()

	if doc, ok := e.cached(ctx, key); ok {
		span.SetAttributes(attribute.String("path", metrics.PathCache))
		return doc, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(flightCtx, e.cfg.FlightTimeout)
		defer cancel()
		return e.acquire(fctx, key, trace.SpanFromContext(fctx))
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		err := ctx.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return scrape.RawDocument{}, err
	case res = <-ch:
	}
	span.SetAttributes(attribute.Bool("shared", res.Shared))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return scrape.RawDocument{}, res.Err
	}
	doc, _ := res.Val.(scrape.RawDocument)
	return doc.Clone(), nil
}

func (e *Engine) cached(ctx context.Context, key string) (scrape.RawDocument, bool) {
	doc, ok, err := e.deps.Cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("raw cache read failed", zap.String("url", key), zap.Error(err))
		return scrape.RawDocument{}, false
	}
	outcome := "miss"
	if ok {
		outcome = "hit"
	}
	metrics.ObserveFetch(metrics.PathCache, outcome, 0)
	return doc, ok
}

func (e *Engine) acquire(ctx context.Context, key string, span trace.Span) (scrape.RawDocument, error) {
	var causes []error
	attempts := 0
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.deps.Retry.Backoff(attempt-2)); err != nil {
				causes = append(causes, fmt.Errorf("backoff: %w", err))
				break
			}
		}
		if e.deps.Limiter != nil {
			if err := e.deps.Limiter.Wait(ctx, key); err != nil {
				causes = append(causes, err)
				break
			}
		}
		attempts = attempt
		proxyEntry := e.deps.Proxies.Pick()
		log := e.logger.With(zap.String("url", key), zap.String("proxy", proxyEntry), zap.Int("attempt", attempt))

		if e.deps.Solver != nil {
			doc, err := e.viaSolver(ctx, key, proxyEntry)
			if err == nil {
				span.SetAttributes(attribute.String("path", metrics.PathSolver), attribute.Int("attempts", attempt))
				return e.store(ctx, key, doc), nil
			}
			log.Debug("solver attempt failed", zap.Error(err))
			causes = append(causes, fmt.Errorf("attempt %d solver: %w", attempt, err))
		}

		doc, err := e.viaDirect(ctx, key, proxyEntry)
		if err == nil {
			span.SetAttributes(attribute.String("path", metrics.PathDirect), attribute.Int("attempts", attempt))
			return e.store(ctx, key, doc), nil
		}
		log.Debug("direct attempt failed", zap.Error(err))
		causes = append(causes, fmt.Errorf("attempt %d direct: %w", attempt, err))

		if ctx.Err() != nil || !e.deps.Retry.ShouldRetry(err, attempt) {
			break
		}
	}
	e.logger.Warn("acquisition exhausted", zap.String("url", key), zap.Int("attempts", attempts))
	return scrape.RawDocument{}, &scrape.AcquisitionError{URL: key, Attempts: attempts, Causes: causes}
}

func (e *Engine) viaSolver(ctx context.Context, key, proxyEntry string) (scrape.RawDocument, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SolverTimeout)
	defer cancel()
	start := time.Now()
	doc, err := e.deps.Solver.Solve(sctx, scrape.SolveRequest{
		URL:        key,
		Proxy:      proxyEntry,
		MaxTimeout: e.cfg.SolverMaxTimeout,
	})
	if err == nil && e.isChallenge(doc.Body) {
		err = fmt.Errorf("%w: solver returned a challenge page", scrape.ErrSolverRejected)
	}
	metrics.ObserveFetch(metrics.PathSolver, outcome(err), time.Since(start))
	return doc, err
}

func (e *Engine) viaDirect(ctx context.Context, key, proxyEntry string) (scrape.RawDocument, error) {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.DirectTimeout)
	defer cancel()
	start := time.Now()
	doc, err := e.deps.Direct.FetchDirect(dctx, scrape.DirectRequest{
		URL:       key,
		Proxy:     proxyEntry,
		UserAgent: e.cfg.UserAgent,
		Timeout:   e.cfg.DirectTimeout,
	})
	if err == nil && e.isChallenge(doc.Body) {
		err = fmt.Errorf("%w: direct fetch hit a challenge page", scrape.ErrTransport)
	}
	metrics.ObserveFetch(metrics.PathDirect, outcome(err), time.Since(start))
	return doc, err
}

func (e *Engine) isChallenge(body string) bool {
	return e.deps.Detector != nil && e.deps.Detector.IsChallenge(body)
}

// store writes through to the raw cache. Cache failures never fail a fetch.
func (e *Engine) store(ctx context.Context, key string, doc scrape.RawDocument) scrape.RawDocument {
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = e.deps.Clock.Now()
	}
	if doc.Cookies == nil {
		doc.Cookies = map[string]string{}
	}
	metrics.ObserveBytes(key, len(doc.Body))
	if err := e.deps.Cache.Put(ctx, key, doc); err != nil {
		e.logger.Warn("raw cache write failed", zap.String("url", key), zap.Error(err))
	}
	return doc
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
