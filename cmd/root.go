// Package cmd defines and implements the CLI commands for the scraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/config"
	"github.com/JakeFAU/hostile-scraper/internal/logging"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
	"github.com/JakeFAU/hostile-scraper/internal/server"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// App defines the application surface that commands use. Tests inject a
// fake through newApp.
type App interface {
	Run(ctx context.Context) error
	RunWorkers(ctx context.Context) error
	StartWorkers(ctx context.Context) <-chan struct{}
	Submit(ctx context.Context, kind scrape.SourceKind, key string, args map[string]string) (scrape.Job, error)
	Status(ctx context.Context, jobID string) (scrape.Job, error)
	Close(ctx context.Context) error
}

// env is what PersistentPreRunE prepares for every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Scrapes hostile sites through anti-bot solvers and proxies.",
		Long: `scraper fetches lyrics, articles and forum threads from sites that fight
automation. Requests go through a challenge solver with proxy rotation and
fall back to direct fetches; results are cached and served as jobs.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars prefixed SCRAPER_ override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newFetchCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signalContext()
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withApp builds the application, runs fn and closes the application.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app App, e *env) error) (err error) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			e.logger.Warn("application close failed", zap.Error(cerr))
		}
	}()
	return fn(cmd.Context(), app, e)
}
