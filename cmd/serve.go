package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the job API with workers and scheduled maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App, e *env) error {
				e.logger.Info("starting scraper service", zap.Int("port", e.cfg.Server.Port))
				if err := app.Run(ctx); err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs workers and scheduled maintenance without the HTTP API",
		Long: `run drains the job queue and fires scheduled tasks until interrupted.
Use it with the redis jobs backend to scale workers apart from the API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app App, e *env) error {
				e.logger.Info("starting workers", zap.Int("workers", e.cfg.Jobs.Workers))
				if err := app.RunWorkers(ctx); err != nil {
					return fmt.Errorf("run workers: %w", err)
				}
				return nil
			})
		},
	}
}
