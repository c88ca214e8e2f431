// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/acquire"
	"github.com/JakeFAU/hostile-scraper/internal/api"
	"github.com/JakeFAU/hostile-scraper/internal/clock/system"
	"github.com/JakeFAU/hostile-scraper/internal/config"
	"github.com/JakeFAU/hostile-scraper/internal/dispatcher"
	"github.com/JakeFAU/hostile-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/hostile-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/hostile-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/hostile-scraper/internal/hash/sha256"
	"github.com/JakeFAU/hostile-scraper/internal/headless/detector"
	"github.com/JakeFAU/hostile-scraper/internal/id/uuid"
	"github.com/JakeFAU/hostile-scraper/internal/jobs"
	"github.com/JakeFAU/hostile-scraper/internal/logging"
	"github.com/JakeFAU/hostile-scraper/internal/metrics"
	"github.com/JakeFAU/hostile-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/hostile-scraper/internal/proxy"
	gcppublisher "github.com/JakeFAU/hostile-scraper/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/hostile-scraper/internal/queue/memory"
	queueredis "github.com/JakeFAU/hostile-scraper/internal/queue/redis"
	"github.com/JakeFAU/hostile-scraper/internal/rawcache"
	"github.com/JakeFAU/hostile-scraper/internal/schedule"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
	"github.com/JakeFAU/hostile-scraper/internal/solver"
	gcsstorage "github.com/JakeFAU/hostile-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/hostile-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/hostile-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/hostile-scraper/internal/storage/postgres"
	redisstore "github.com/JakeFAU/hostile-scraper/internal/storage/redis"
	"github.com/JakeFAU/hostile-scraper/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  scrape.Clock

	blobs     scrape.BlobStore
	proxies   *proxy.Pool
	engine    *acquire.Engine
	registry  *extract.Registry
	records   scrape.RecordStore
	jobStore  scrape.JobStore
	queue     scrape.Queue
	orch      *jobs.Orchestrator
	dispatch  *dispatcher.Dispatcher
	scheduler *schedule.Scheduler
	apiServer *api.Server

	checks         map[string]api.ReadinessCheck
	jobPruner      schedule.JobPruner
	recordPruner   schedule.RecordPruner
	gcsClient      *storage.Client
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	redisClient    *redis.Client
	pgRecords      *pgstore.RecordStore
	memQueue       *queuememory.Queue
	tracerProvider *sdktrace.TracerProvider
}

// Build creates the application's dependencies from cfg. On error every
// resource opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	logger = logging.OrNop(logger)
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		checks: make(map[string]api.ReadinessCheck),
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
			app.closeObservability(context.Background())
		}
	}()

	metrics.Init()
	if cfg.Telemetry.Enabled {
		app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
			LogSpans:    cfg.Telemetry.LogSpans,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	logger.Info("building application dependencies")
	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupEngine(ctx); err != nil {
		return nil, err
	}
	if err = app.setupStrategies(); err != nil {
		return nil, err
	}
	if err = app.setupRecords(ctx); err != nil {
		return nil, err
	}
	if err = app.setupJobs(ctx); err != nil {
		return nil, err
	}
	var publisher scrape.Publisher
	if publisher, err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}

	app.orch, err = jobs.New(jobs.Config{
		ExecutionTimeout: cfg.Jobs.ExecutionTimeout,
		StatusGrace:      cfg.Jobs.StatusGrace,
		Topic:            cfg.PubSub.Topic,
	}, jobs.Deps{
		Strategies: app.registry,
		Records:    app.records,
		Jobs:       app.jobStore,
		Queue:      app.queue,
		Publisher:  publisher,
		IDs:        uuid.New(),
		Clock:      app.clock,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.dispatch = dispatcher.NewPool(app.queue, app.orch, cfg.Jobs.Workers, logger)

	if err = app.setupSchedule(); err != nil {
		return nil, err
	}
	app.apiServer = api.NewServer(app.orch, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		Checks:         app.checks,
	}, logger)
	return app, nil
}

// Submit creates a job through the orchestrator.
func (a *App) Submit(ctx context.Context, kind scrape.SourceKind, key string, args map[string]string) (scrape.Job, error) {
	return a.orch.Submit(ctx, kind, key, args)
}

// Status reports the current state of a job.
func (a *App) Status(ctx context.Context, jobID string) (scrape.Job, error) {
	return a.orch.Status(ctx, jobID)
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}

	a.proxies = proxy.NewPool(a.blobs, a.cfg.Proxy.Path, a.logger)
	if err := a.proxies.Reload(ctx); err != nil {
		a.logger.Warn("proxy list load failed, running without proxies", zap.Error(err))
	}
	return nil
}

func (a *App) setupEngine(_ context.Context) error {
	cache, err := rawcache.New(a.blobs, sha256.New(), a.clock, rawcache.Config{
		Prefix: a.cfg.RawCache.Prefix,
		TTL:    a.cfg.RawCache.TTL,
	})
	if err != nil {
		return fmt.Errorf("raw cache init failed: %w", err)
	}
	detect := detector.NewHeuristic(a.cfg.Acquisition.ChallengeThreshold)

	var solve scrape.Solver
	switch a.cfg.Solver.Backend {
	case config.SolverFlareSolverr:
		solve, err = solver.New(solver.Config{
			Endpoint:    a.cfg.Solver.Endpoint,
			HTTPTimeout: a.cfg.Solver.Timeout,
			MaxTimeout:  a.cfg.Solver.MaxTimeout,
		}, a.clock, a.logger)
		if err != nil {
			return fmt.Errorf("solver init failed: %w", err)
		}
		a.logger.Info("using flaresolverr solver", zap.String("endpoint", a.cfg.Solver.Endpoint))
	case config.SolverChromedp:
		solve, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Acquisition.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
			PollInterval:      a.cfg.Headless.PollInterval,
			ExecPath:          a.cfg.Headless.ExecPath,
		}, detect, a.clock, a.logger)
		if err != nil {
			return fmt.Errorf("headless solver init failed: %w", err)
		}
		a.logger.Info("using chromedp solver", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	default:
		a.logger.Warn("no anti-bot solver configured, direct fetch only")
	}

	a.engine, err = acquire.NewEngine(acquire.Config{
		MaxAttempts:      a.cfg.Acquisition.MaxAttempts,
		SolverMaxTimeout: a.cfg.Solver.MaxTimeout,
		SolverTimeout:    a.cfg.Solver.Timeout,
		DirectTimeout:    a.cfg.Acquisition.DirectTimeout,
		FlightTimeout:    a.cfg.AcquisitionBudget(),
		UserAgent:        a.cfg.Acquisition.UserAgent,
	}, acquire.Deps{
		Cache:  cache,
		Solver: solve,
		Direct: collyfetcher.New(collyfetcher.Config{
			UserAgent: a.cfg.Acquisition.UserAgent,
			Timeout:   a.cfg.Acquisition.DirectTimeout,
		}, a.clock),
		Proxies:  a.proxies,
		Detector: detect,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Acquisition.RateLimitRPS,
			DefaultBurst: a.cfg.Acquisition.RateLimitBurst,
		}),
		Retry: acquire.NewExponentialRetryPolicy(
			a.cfg.Acquisition.MaxAttempts,
			a.cfg.Acquisition.BackoffInitial,
			a.cfg.Acquisition.BackoffMax,
		),
		Clock:  a.clock,
		Logger: a.logger,
	})
	if err != nil {
		return fmt.Errorf("acquisition engine init failed: %w", err)
	}
	return nil
}

func (a *App) setupStrategies() error {
	a.registry = extract.NewRegistry()

	apiSite, err := extract.NewAPISite(a.cfg.Extract.LyricsAPI, nil, a.clock)
	if err != nil {
		return fmt.Errorf("lyrics api init failed: %w", err)
	}
	sources := make([]extract.NamedStrategy, 0, len(a.cfg.Extract.LyricsSites)+1)
	for _, desc := range a.cfg.Extract.LyricsSites {
		site, err := extract.NewScrapeSite(desc, a.engine, a.clock)
		if err != nil {
			return fmt.Errorf("lyrics site init failed: %w", err)
		}
		sources = append(sources, site)
	}
	sources = append(sources, apiSite)
	lyrics, err := extract.NewLyricsSearch(sources, a.cfg.Extract.LyricsParallel, a.logger)
	if err != nil {
		return fmt.Errorf("lyrics search init failed: %w", err)
	}
	article, err := extract.NewArticle(a.engine, a.clock)
	if err != nil {
		return fmt.Errorf("article strategy init failed: %w", err)
	}
	thread, err := extract.NewThread(a.engine, a.clock)
	if err != nil {
		return fmt.Errorf("thread strategy init failed: %w", err)
	}
	proxyList, err := extract.NewProxyList(a.engine, a.proxies, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("proxy list strategy init failed: %w", err)
	}

	a.registry.Register(scrape.KindLyrics, extract.CollectionLyrics, lyrics)
	a.registry.Register(scrape.KindLyricsAPI, extract.CollectionLyrics, apiSite)
	a.registry.Register(scrape.KindArticle, extract.CollectionArticles, article)
	a.registry.Register(scrape.KindThread, extract.CollectionThreads, thread)
	a.registry.Register(scrape.KindProxyRefresh, "", proxyList)
	a.logger.Info("extraction strategies registered", zap.Int("lyrics_sources", len(sources)))
	return nil
}

func (a *App) setupRecords(ctx context.Context) error {
	if a.cfg.Records.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory record cache", zap.Duration("ttl", a.cfg.Records.TTL))
		mem := memorystorage.NewRecordStore(a.cfg.Records.TTL, a.clock)
		a.records = mem
		a.recordPruner = mem
		return nil
	}
	store, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
		DSN:      a.cfg.Records.DSN,
		Table:    a.cfg.Records.Table,
		TTL:      a.cfg.Records.TTL,
		MaxConns: a.cfg.Records.MaxConns,
	}, a.clock)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	a.pgRecords = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("record store schema: %w", err)
	}
	a.records = store
	a.recordPruner = store
	a.checks["postgres"] = store.Ping
	a.logger.Info("using postgres record cache", zap.String("table", a.cfg.Records.Table))
	return nil
}

func (a *App) setupJobs(ctx context.Context) error {
	if a.cfg.Jobs.Backend != config.BackendRedis {
		mem := memorystorage.NewJobStore()
		a.jobStore = mem
		a.jobPruner = mem
		a.memQueue = queuememory.NewQueue(a.cfg.Jobs.QueueDepth)
		a.queue = a.memQueue
		a.logger.Info("using in-memory job store and queue", zap.Int("queue_depth", a.cfg.Jobs.QueueDepth))
		return nil
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	store, err := redisstore.NewJobStore(a.redisClient, redisstore.Config{
		Prefix:    a.cfg.Redis.JobPrefix,
		Retention: a.cfg.Jobs.Retention,
	})
	if err != nil {
		return fmt.Errorf("redis job store init failed: %w", err)
	}
	q, err := queueredis.New(a.redisClient, queueredis.Config{
		Key:  a.cfg.Redis.QueueKey,
		Poll: a.cfg.Redis.Poll,
	})
	if err != nil {
		return fmt.Errorf("redis queue init failed: %w", err)
	}
	a.jobStore = store
	a.queue = q
	a.checks["redis"] = func(ctx context.Context) error { return a.redisClient.Ping(ctx).Err() }
	a.logger.Info("using redis job store and queue", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	if a.cfg.PubSub.Topic == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, job events are not published")
		return nil, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = gcppublisher.New(a.pubsubClient)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.publisher, nil
}

func (a *App) setupSchedule() error {
	a.scheduler = schedule.New(a.logger)
	if err := a.scheduler.Add(schedule.ProxyRefresh(a.cfg.Proxy.RefreshSchedule, a.orch, a.cfg.Extract.ProxyListURL)); err != nil {
		return fmt.Errorf("schedule proxy refresh: %w", err)
	}
	prune := schedule.Prune(a.cfg.Jobs.PruneSchedule, a.jobPruner, a.recordPruner, a.orch, a.cfg.Jobs.Retention, a.clock, a.logger)
	if err := a.scheduler.Add(prune); err != nil {
		return fmt.Errorf("schedule retention prune: %w", err)
	}
	return nil
}

// Run serves the API and runs workers and the scheduler until ctx is
// canceled. The caller still owns Close.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	done := a.startBackground(ctx)
	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-done
	return nil
}

// RunWorkers runs workers and the scheduler without the HTTP server until
// ctx is canceled.
func (a *App) RunWorkers(ctx context.Context) error {
	<-a.startBackground(ctx)
	return nil
}

// StartWorkers runs only the worker pool in the background. The returned
// channel closes once every worker has stopped.
func (a *App) StartWorkers(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()
	return done
}

func (a *App) startBackground(ctx context.Context) <-chan struct{} {
	workers := a.StartWorkers(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.scheduler.Start(ctx)
		<-workers
	}()
	return done
}

// ShutdownTimeout bounds graceful shutdown.
func (a *App) ShutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgRecords != nil {
		a.pgRecords.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
