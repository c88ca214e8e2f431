package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

type fetchOptions struct {
	args map[string]string
	wait time.Duration
	poll time.Duration
}

func newFetchCmd() *cobra.Command {
	opts := fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <kind> <key>",
		Short: "Runs one scrape job and prints the finished job as JSON",
		Long: `fetch submits a single job, processes it in-process and prints the result.
Kinds: lyrics, lyricsApi, article, thread, proxyRefresh.`,
		Example: `  scraper fetch lyrics "amazing grace"
  scraper fetch article https://medium.com/@someone/post-123
  scraper fetch proxyRefresh ""`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app App, e *env) error {
				job, err := runFetch(ctx, app, scrape.SourceKind(args[0]), args[1], opts, e.logger)
				if job.ID != "" {
					out, merr := json.MarshalIndent(job, "", "  ")
					if merr != nil {
						return fmt.Errorf("encode job: %w", merr)
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
				}
				return err
			})
		},
	}
	cmd.Flags().StringToStringVar(&opts.args, "arg", nil, "extra job arguments as key=value")
	cmd.Flags().DurationVar(&opts.wait, "wait", 3*time.Minute, "how long to wait for the job to finish")
	cmd.Flags().DurationVar(&opts.poll, "poll", 250*time.Millisecond, "job status poll interval")
	return cmd
}

// runFetch submits one job and polls it to a terminal state while a worker
// pool drains the queue.
func runFetch(ctx context.Context, app App, kind scrape.SourceKind, key string, opts fetchOptions, logger *zap.Logger) (scrape.Job, error) {
	if opts.poll <= 0 {
		opts.poll = 250 * time.Millisecond
	}
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := app.StartWorkers(workerCtx)
	defer func() {
		stopWorkers()
		<-workersDone
	}()

	job, err := app.Submit(ctx, kind, strings.TrimSpace(key), opts.args)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("submit: %w", err)
	}
	logger.Info("job submitted", zap.String("job_id", job.ID), zap.Bool("cache_hit", job.CacheHit))

	waitCtx := ctx
	if opts.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.wait)
		defer cancel()
	}
	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	for !job.State.Terminal() {
		select {
		case <-waitCtx.Done():
			return job, fmt.Errorf("job %s still %s: %w", job.ID, job.State, waitCtx.Err())
		case <-ticker.C:
		}
		job, err = app.Status(ctx, job.ID)
		if err != nil {
			return scrape.Job{}, fmt.Errorf("status: %w", err)
		}
	}
	if job.State == scrape.JobFailed {
		return job, errors.New("job " + job.ID + " failed: " + job.Reason)
	}
	return job, nil
}
