package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hostile-scraper/internal/extract"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Acquisition.MaxAttempts)
	assert.Equal(t, SolverFlareSolverr, cfg.Solver.Backend)
	assert.Equal(t, 30*time.Second, cfg.Solver.MaxTimeout)
	assert.Equal(t, time.Hour, cfg.RawCache.TTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Records.TTL)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, time.Hour, cfg.Jobs.ExecutionTimeout)
	assert.Equal(t, 265*time.Second, cfg.AcquisitionBudget())
	assert.Equal(t, "@every 4h", cfg.Proxy.RefreshSchedule)
	assert.Equal(t, extract.DefaultLyricsParallel, cfg.Extract.LyricsParallel)
	assert.Equal(t, extract.DefaultLyricsSites(), cfg.Extract.LyricsSites)
	assert.Equal(t, "simpmusic", cfg.Extract.LyricsAPI.Name)
	assert.Equal(t, extract.DefaultProxyListURL, cfg.Extract.ProxyListURL)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 5s
logging:
  development: false
  level: warn
acquisition:
  max_attempts: 5
  backoff_initial: 100ms
solver:
  backend: chromedp
headless:
  max_parallel: 2
storage:
  backend: gcs
  bucket: scraper-cache
records:
  backend: postgres
  dsn: postgres://localhost/scraper
  ttl: 48h
jobs:
  backend: redis
  workers: 8
  execution_timeout: 30m
redis:
  addr: redis:6379
extract:
  lyrics_parallel: 2
  lyrics_sites:
    - name: hymns
      search_url: https://hymns.example/search?q={query}
      result_selector: li.hit
      link_selector: a
      title_selector: h1
      author_selector: .by
      body_selector: pre
  lyrics_api:
    timeout: 3s
pubsub:
  project_id: proj
  topic: scrape-jobs
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Acquisition.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Acquisition.BackoffInitial)
	assert.Equal(t, SolverChromedp, cfg.Solver.Backend)
	assert.Equal(t, "scraper-cache", cfg.Storage.Bucket)
	assert.Equal(t, 48*time.Hour, cfg.Records.TTL)
	assert.Equal(t, BackendRedis, cfg.Jobs.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.ExecutionTimeout)
	require.Len(t, cfg.Extract.LyricsSites, 1)
	assert.Equal(t, "hymns", cfg.Extract.LyricsSites[0].Name)
	assert.Equal(t, "pre", cfg.Extract.LyricsSites[0].BodySelector)
	assert.Equal(t, 3*time.Second, cfg.Extract.LyricsAPI.Timeout)
	assert.Equal(t, "simpmusic", cfg.Extract.LyricsAPI.Name)
	assert.Equal(t, "scrape-jobs", cfg.PubSub.Topic)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRAPER_SERVER_PORT", "7070")
	t.Setenv("SCRAPER_JOBS_WORKERS", "2")
	t.Setenv("SCRAPER_SOLVER_BACKEND", "none")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, SolverNone, cfg.Solver.Backend)
}

func TestAcquisitionBudgetFollowsSolver(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Solver.Backend = SolverNone
	assert.Equal(t, 85*time.Second, cfg.AcquisitionBudget())

	cfg.Jobs.ExecutionTimeout = 85 * time.Second
	require.NoError(t, cfg.Validate())
	cfg.Jobs.ExecutionTimeout = 84 * time.Second
	require.ErrorContains(t, cfg.Validate(), "jobs.execution_timeout")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "no attempts", mutate: func(c *Config) { c.Acquisition.MaxAttempts = 0 }, want: "acquisition.max_attempts"},
		{name: "unknown solver", mutate: func(c *Config) { c.Solver.Backend = "captcha-farm" }, want: "solver.backend"},
		{
			name:   "solver timeout too small",
			mutate: func(c *Config) { c.Solver.Timeout = c.Solver.MaxTimeout },
			want:   "solver.timeout",
		},
		{
			name: "chromedp without parallelism",
			mutate: func(c *Config) {
				c.Solver.Backend = SolverChromedp
				c.Headless.MaxParallel = 0
			},
			want: "headless.max_parallel",
		},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.bucket"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Records.Backend = BackendPostgres }, want: "records.dsn"},
		{name: "unknown jobs backend", mutate: func(c *Config) { c.Jobs.Backend = "sqs" }, want: "jobs.backend"},
		{name: "no workers", mutate: func(c *Config) { c.Jobs.Workers = 0 }, want: "jobs.workers"},
		{
			name:   "job timeout below acquisition budget",
			mutate: func(c *Config) { c.Jobs.ExecutionTimeout = 2 * time.Minute },
			want:   "jobs.execution_timeout 2m0s is shorter than one acquisition budget of 4m25s",
		},
		{name: "bad schedule", mutate: func(c *Config) { c.Proxy.RefreshSchedule = "every so often" }, want: "proxy.refresh_schedule"},
		{
			name: "bad site",
			mutate: func(c *Config) {
				c.Extract.LyricsSites = []extract.SiteDescriptor{{Name: "x", SearchURL: "https://x.example"}}
			},
			want: "extract.lyrics_sites",
		},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.Topic = "jobs" }, want: "pubsub.project_id"},
		{name: "sample ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 }, want: "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Extract.LyricsSites = append([]extract.SiteDescriptor(nil), base.Extract.LyricsSites...)
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
