// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/hostile-scraper/internal/acquire"
	"github.com/JakeFAU/hostile-scraper/internal/extract"
)

// EnvPrefix prefixes every environment override, e.g. SCRAPER_SERVER_PORT.
const EnvPrefix = "SCRAPER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Solver      SolverConfig      `mapstructure:"solver"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	RawCache    RawCacheConfig    `mapstructure:"rawcache"`
	Records     RecordsConfig     `mapstructure:"records"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Extract     ExtractConfig     `mapstructure:"extract"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// AcquisitionConfig tunes the solver/direct retry loop.
type AcquisitionConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	DirectTimeout  time.Duration `mapstructure:"direct_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	// ChallengeThreshold is the heuristic score above which a 200 response is
	// treated as an anti-bot interstitial.
	ChallengeThreshold int     `mapstructure:"challenge_threshold"`
	RateLimitRPS       float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

// Solver backends.
const (
	SolverFlareSolverr = "flaresolverr"
	SolverChromedp     = "chromedp"
	SolverNone         = "none"
)

// SolverConfig selects and configures the anti-bot solver.
type SolverConfig struct {
	Backend  string `mapstructure:"backend"`
	Endpoint string `mapstructure:"endpoint"`
	// MaxTimeout is the challenge budget; Timeout bounds the round trip.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// HeadlessConfig configures the in-process chromedp solver.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// Blob backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StorageConfig selects the blob backend shared by the raw cache and the
// proxy list.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// ProxyConfig locates the proxy list and schedules its refresh.
type ProxyConfig struct {
	Path            string `mapstructure:"path"`
	RefreshSchedule string `mapstructure:"refresh_schedule"`
}

// RawCacheConfig configures the raw document cache.
type RawCacheConfig struct {
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// RecordsConfig selects the record cache backend.
type RecordsConfig struct {
	Backend  string        `mapstructure:"backend"`
	TTL      time.Duration `mapstructure:"ttl"`
	DSN      string        `mapstructure:"dsn"`
	Table    string        `mapstructure:"table"`
	MaxConns int32         `mapstructure:"max_conns"`
}

// JobsConfig sizes the worker pool and job lifecycle.
type JobsConfig struct {
	Backend          string        `mapstructure:"backend"`
	Workers          int           `mapstructure:"workers"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	StatusGrace      time.Duration `mapstructure:"status_grace"`
	Retention        time.Duration `mapstructure:"retention"`
	PruneSchedule    string        `mapstructure:"prune_schedule"`
}

// RedisConfig is shared by the Redis queue and job store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	QueueKey  string        `mapstructure:"queue_key"`
	JobPrefix string        `mapstructure:"job_prefix"`
	Poll      time.Duration `mapstructure:"poll"`
}

// ExtractConfig configures the extraction strategies.
type ExtractConfig struct {
	LyricsParallel int                      `mapstructure:"lyrics_parallel"`
	LyricsSites    []extract.SiteDescriptor `mapstructure:"lyrics_sites"`
	LyricsAPI      extract.APISiteConfig    `mapstructure:"lyrics_api"`
	ProxyListURL   string                   `mapstructure:"proxy_list_url"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig controls the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogSpans    bool    `mapstructure:"log_spans"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Extract.LyricsSites) == 0 {
		cfg.Extract.LyricsSites = extract.DefaultLyricsSites()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("acquisition.max_attempts", 3)
	v.SetDefault("acquisition.backoff_initial", 500*time.Millisecond)
	v.SetDefault("acquisition.backoff_max", 5*time.Second)
	v.SetDefault("acquisition.direct_timeout", 25*time.Second)
	v.SetDefault("acquisition.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("acquisition.challenge_threshold", 60)
	v.SetDefault("acquisition.rate_limit_rps", 0.0)
	v.SetDefault("acquisition.rate_limit_burst", 1)
	v.SetDefault("solver.backend", SolverFlareSolverr)
	v.SetDefault("solver.endpoint", "http://localhost:8191/v1")
	v.SetDefault("solver.max_timeout", 30*time.Second)
	v.SetDefault("solver.timeout", 60*time.Second)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", 45*time.Second)
	v.SetDefault("headless.poll_interval", time.Second)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("proxy.path", "proxies.txt")
	v.SetDefault("proxy.refresh_schedule", "@every 4h")
	v.SetDefault("rawcache.prefix", "cache")
	v.SetDefault("rawcache.ttl", time.Hour)
	v.SetDefault("records.backend", BackendMemory)
	v.SetDefault("records.ttl", 7*24*time.Hour)
	v.SetDefault("records.dsn", "")
	v.SetDefault("records.table", "scrape_records")
	v.SetDefault("records.max_conns", 4)
	v.SetDefault("jobs.backend", BackendMemory)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.execution_timeout", time.Hour)
	v.SetDefault("jobs.status_grace", 30*time.Second)
	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("jobs.prune_schedule", "@every 10m")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_key", "scraper:queue")
	v.SetDefault("redis.job_prefix", "scraper:job:")
	v.SetDefault("redis.poll", time.Second)
	v.SetDefault("extract.lyrics_parallel", extract.DefaultLyricsParallel)
	v.SetDefault("extract.lyrics_api.name", "simpmusic")
	v.SetDefault("extract.lyrics_api.search_url", extract.DefaultLyricsAPIURL)
	v.SetDefault("extract.lyrics_api.timeout", 20*time.Second)
	v.SetDefault("extract.proxy_list_url", extract.DefaultProxyListURL)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "hostile-scraper")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.log_spans", false)
}

// AcquisitionBudget is the worst case for one fetch with every attempt
// timing out.
func (c Config) AcquisitionBudget() time.Duration {
	solverTimeout := c.Solver.Timeout
	if c.Solver.Backend == SolverNone {
		solverTimeout = 0
	}
	return acquire.Budget(c.Acquisition.MaxAttempts, solverTimeout, c.Acquisition.DirectTimeout, c.Acquisition.BackoffMax)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Acquisition.MaxAttempts <= 0 {
		return fmt.Errorf("acquisition.max_attempts must be > 0")
	}
	switch c.Solver.Backend {
	case SolverFlareSolverr:
		if c.Solver.Endpoint == "" {
			return fmt.Errorf("solver.endpoint is required for the flaresolverr backend")
		}
		if c.Solver.Timeout <= c.Solver.MaxTimeout {
			return fmt.Errorf("solver.timeout must exceed solver.max_timeout")
		}
	case SolverChromedp:
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 for the chromedp backend")
		}
	case SolverNone:
	default:
		return fmt.Errorf("solver.backend %q is not one of flaresolverr, chromedp, none", c.Solver.Backend)
	}
	if err := checkBackend("storage.backend", c.Storage.Backend, BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if c.Storage.Backend == BackendLocal && c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required for the local backend")
	}
	if c.Storage.Backend == BackendGCS && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for the gcs backend")
	}
	if err := checkBackend("records.backend", c.Records.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if c.Records.Backend == BackendPostgres && c.Records.DSN == "" {
		return fmt.Errorf("records.dsn is required for the postgres backend")
	}
	if err := checkBackend("jobs.backend", c.Jobs.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if c.Jobs.Backend == BackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis jobs backend")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	if c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.queue_depth must be > 0")
	}
	if c.Jobs.ExecutionTimeout <= 0 {
		return fmt.Errorf("jobs.execution_timeout must be > 0")
	}
	if budget := c.AcquisitionBudget(); c.Jobs.ExecutionTimeout < budget {
		return fmt.Errorf("jobs.execution_timeout %s is shorter than one acquisition budget of %s", c.Jobs.ExecutionTimeout, budget)
	}
	if err := checkSchedule("proxy.refresh_schedule", c.Proxy.RefreshSchedule); err != nil {
		return err
	}
	if err := checkSchedule("jobs.prune_schedule", c.Jobs.PruneSchedule); err != nil {
		return err
	}
	for _, site := range c.Extract.LyricsSites {
		if err := site.Validate(); err != nil {
			return fmt.Errorf("extract.lyrics_sites: %w", err)
		}
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func checkBackend(field, value string, allowed ...string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("%s %q is not one of %s", field, value, strings.Join(allowed, ", "))
	}
	return nil
}

// checkSchedule accepts an empty spec (disabled) or anything cron can parse.
func checkSchedule(field, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.Join(fmt.Errorf("%s is not a valid schedule", field), err)
	}
	return nil
}
