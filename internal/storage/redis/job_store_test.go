package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

func newTestStore(t *testing.T, retention time.Duration) (*JobStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewJobStore(client, Config{Prefix: "test:job:", Retention: retention})
	require.NoError(t, err)
	return store, mr
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	created := time.Unix(1_700_000_000, 0).UTC()
	job := scrape.Job{ID: "j1", Kind: scrape.KindArticle, Key: "https://medium.com/p/1", State: scrape.JobPending, CreatedAt: created}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))
	require.Zero(t, mr.TTL("test:job:j1"), "live jobs do not expire")

	running, err := store.UpdateJob(ctx, "j1", scrape.JobUpdate{State: scrape.JobRunning, At: created.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, scrape.JobRunning, running.State)

	rec := scrape.Record{Title: "Post", Text: "body"}
	done, err := store.UpdateJob(ctx, "j1", scrape.JobUpdate{
		State:   scrape.JobSucceeded,
		Payload: &scrape.Payload{Record: &rec},
		At:      created.Add(2 * time.Second),
	})
	require.NoError(t, err)
	require.NotNil(t, done.FinishedAt)
	require.Equal(t, time.Hour, mr.TTL("test:job:j1"))

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, scrape.JobSucceeded, got.State)
	require.Equal(t, "body", got.Payload.Record.Text)
	require.True(t, got.CreatedAt.Equal(created))

	_, err = store.UpdateJob(ctx, "j1", scrape.JobUpdate{State: scrape.JobFailed})
	require.ErrorIs(t, err, scrape.ErrInvalidTransition)
}

func TestJobStoreMissingJob(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 0)
	_, err := store.GetJob(context.Background(), "ghost")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
	_, err = store.UpdateJob(context.Background(), "ghost", scrape.JobUpdate{State: scrape.JobRunning})
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func TestJobStoreSingleTerminalWriterWins(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, scrape.Job{ID: "race", State: scrape.JobRunning}))

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := scrape.JobSucceeded
			if i%2 == 1 {
				state = scrape.JobFailed
			}
			_, err := store.UpdateJob(ctx, "race", scrape.JobUpdate{State: state})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}
