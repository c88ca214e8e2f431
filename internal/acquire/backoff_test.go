package acquire

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 100*time.Millisecond, time.Second)
	transport := fmt.Errorf("%w: reset", scrape.ErrTransport)

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(transport, 1))
	require.True(t, p.ShouldRetry(transport, 2))
	require.False(t, p.ShouldRetry(transport, 3))
	require.False(t, p.ShouldRetry(context.Canceled, 1))

	for attempt := range 6 {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
	require.GreaterOrEqual(t, p.Backoff(10), 500*time.Millisecond, "capped delay keeps at least half")
}

func TestExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.maxAttempts)
	require.Equal(t, 250*time.Millisecond, p.baseDelay)
	require.Equal(t, 5*time.Second, p.maxDelay)
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, sleepCtx(ctx, 0), context.Canceled)
}

type MockRetryPolicy struct {
	mock.Mock
}

func (m *MockRetryPolicy) ShouldRetry(err error, attempt int) bool {
	args := m.Called(err, attempt)
	return args.Bool(0)
}

func (m *MockRetryPolicy) Backoff(attempt int) time.Duration {
	args := m.Called(attempt)
	return args.Get(0).(time.Duration)
}

func TestEngineConsultsRetryPolicy(t *testing.T) {
	t.Parallel()

	retry := new(MockRetryPolicy)
	retry.On("ShouldRetry", mock.Anything, 1).Return(true).Once()
	retry.On("Backoff", 0).Return(7 * time.Millisecond).Once()
	retry.On("ShouldRetry", mock.Anything, 2).Return(false).Once()

	direct := &fakeDirect{fn: func(int, scrape.DirectRequest) (scrape.RawDocument, error) {
		return scrape.RawDocument{}, errors.New("boom")
	}}
	e := newTestEngine(t, Deps{Direct: direct, Retry: retry})
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := e.Fetch(context.Background(), "https://example.com/r")
	require.ErrorIs(t, err, scrape.ErrAcquisitionExhausted)
	require.Equal(t, 2, direct.Calls())
	require.Equal(t, []time.Duration{7 * time.Millisecond}, slept)
	retry.AssertExpectations(t)
}
