package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// scriptedAcquirer serves canned pages by exact URL; unknown URLs fail the
// way an exhausted engine would.
type scriptedAcquirer struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (s *scriptedAcquirer) Fetch(_ context.Context, url string) (scrape.RawDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, url)
	body, ok := s.pages[url]
	if !ok {
		return scrape.RawDocument{}, &scrape.AcquisitionError{
			URL: url, Attempts: 3, Causes: []error{scrape.ErrTransport},
		}
	}
	return raw(body), nil
}

func TestScrapeSiteTwoStage(t *testing.T) {
	t.Parallel()

	desc := DefaultLyricsSites()[0]
	acq := &scriptedAcquirer{pages: map[string]string{
		"https://www.mysongbooks.scaptedesigns.com/library/search?s=amazing+grace": `<html><body>
			<div class="col-12 col-md-6 col-lg-6 mb-1">
				<a class="d-flex" href="/library/song/42"><h6>Amazing Grace</h6></a>
			</div></body></html>`,
		"https://www.mysongbooks.scaptedesigns.com/library/song/42": `<html><body>
			<h6>Amazing Grace</h6><p>John Newton</p>
			<div class="row item-list item-list-md m-t m-b">
				<p class="item-title text-black">Amazing grace<br>how sweet the sound</p>
			</div></body></html>`,
	}}
	site, err := NewScrapeSite(desc, acq, fixedClock{now: testNow})
	require.NoError(t, err)

	rec, err := site.Resolve(context.Background(), scrape.Request{Kind: scrape.KindLyrics, Key: "amazing grace"})
	require.NoError(t, err)
	assert.Equal(t, scrape.KindLyrics, rec.Kind)
	assert.Equal(t, "amazing grace", rec.Key)
	assert.Equal(t, "Amazing Grace", rec.Title)
	assert.Equal(t, "John Newton", rec.Author)
	assert.Equal(t, "Amazing grace\nhow sweet the sound", rec.Text)
	assert.Equal(t, "https://www.mysongbooks.scaptedesigns.com/", rec.Source)
	assert.Equal(t, testNow, rec.FetchedAt)
	assert.Len(t, acq.calls, 2)
}

func TestScrapeSitePropagatesAcquisitionFailure(t *testing.T) {
	t.Parallel()

	site, err := NewScrapeSite(testSite, &scriptedAcquirer{}, fixedClock{now: testNow})
	require.NoError(t, err)

	_, err = site.Resolve(context.Background(), scrape.Request{Kind: scrape.KindLyrics, Key: "x"})
	require.ErrorIs(t, err, scrape.ErrAcquisitionExhausted)
}

func TestSiteDescriptorValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testSite.Validate())
	for _, d := range DefaultLyricsSites() {
		require.NoError(t, d.Validate())
	}

	bad := testSite
	bad.SearchURL = "https://songs.example/search"
	require.Error(t, bad.Validate())
	bad = testSite
	bad.BodySelector = ""
	require.Error(t, bad.Validate())
	_, err := NewScrapeSite(SiteDescriptor{}, &scriptedAcquirer{}, fixedClock{})
	require.Error(t, err)
}

func newAPIServer(t *testing.T, handler http.HandlerFunc) *APISite {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	site, err := NewAPISite(APISiteConfig{SearchURL: srv.URL + "/v1/search"}, srv.Client(), fixedClock{now: testNow})
	require.NoError(t, err)
	return site
}

func TestAPISiteSuccess(t *testing.T) {
	t.Parallel()

	site := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		assert.Equal(t, "hello adele", r.URL.Query().Get("q"))
		assert.Equal(t, "title", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Hello","artist":"Adele","lyrics":"Hello, it's me"}`))
	})

	rec, err := site.Resolve(context.Background(), scrape.Request{
		Kind: scrape.KindLyricsAPI, Key: "hello adele", Args: map[string]string{"type": "title"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", rec.Title)
	assert.Equal(t, "Adele", rec.Author)
	assert.Equal(t, "Hello, it's me", rec.Text)
	assert.Equal(t, "simpmusic API", rec.Source)
	assert.Equal(t, scrape.KindLyricsAPI, rec.Kind)
}

func TestAPISiteListResponseAndDefaults(t *testing.T) {
	t.Parallel()

	site := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`[{"title":"Empty","lyrics":""},{"lyrics":"la la la"}]`))
	})

	rec, err := site.Resolve(context.Background(), scrape.Request{Kind: scrape.KindLyrics, Key: "la"})
	require.NoError(t, err)
	assert.Equal(t, "la", rec.Title)
	assert.Equal(t, "Unknown", rec.Author)
	assert.Equal(t, "la la la", rec.Text)
}

func TestAPISiteStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		kind    scrape.UpstreamKind
		message string
	}{
		{"rate limited", http.StatusTooManyRequests, "", scrape.UpstreamRateLimited, "rate limit exceeded"},
		{"unavailable", http.StatusServiceUnavailable, "", scrape.UpstreamUnavailable, "service unavailable"},
		{"not found", http.StatusNotFound, "", scrape.UpstreamNotFound, "not found"},
		{"empty result", http.StatusOK, `{}`, scrape.UpstreamNotFound, "not found"},
		{"null result", http.StatusOK, `null`, scrape.UpstreamNotFound, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			site := newAPIServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := site.Resolve(context.Background(), scrape.Request{Kind: scrape.KindLyricsAPI, Key: "q"})
			var upstream *scrape.UpstreamError
			require.ErrorAs(t, err, &upstream)
			assert.Equal(t, tt.kind, upstream.Kind)
			msg, ok := scrape.UserMessage(err)
			require.True(t, ok)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestAPISiteHardFailures(t *testing.T) {
	t.Parallel()

	site := newAPIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := site.Resolve(context.Background(), scrape.Request{Key: "q"})
	require.ErrorIs(t, err, scrape.ErrTransport)

	site = newAPIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"lyrics":`))
	})
	_, err = site.Resolve(context.Background(), scrape.Request{Key: "q"})
	require.ErrorIs(t, err, scrape.ErrStructureMismatch)
}

type fakeSource struct {
	name     string
	delay    time.Duration
	rec      scrape.Record
	err      error
	canceled atomic.Bool
	inflight *atomic.Int32
	peak     *atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Resolve(ctx context.Context, _ scrape.Request) (scrape.Record, error) {
	if f.inflight != nil {
		n := f.inflight.Add(1)
		defer f.inflight.Add(-1)
		for {
			p := f.peak.Load()
			if n <= p || f.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			f.canceled.Store(true)
			return scrape.Record{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.rec, f.err
}

func TestLyricsSearchFirstSuccessWins(t *testing.T) {
	t.Parallel()

	slow := &fakeSource{name: "slow", delay: time.Minute, rec: scrape.Record{Text: "slow lyrics"}}
	empty := &fakeSource{name: "empty", rec: scrape.Record{Text: "   "}}
	fast := &fakeSource{name: "fast", delay: 10 * time.Millisecond, rec: scrape.Record{Title: "Song", Text: "fast lyrics"}}

	search, err := NewLyricsSearch([]NamedStrategy{slow, empty, fast}, 0, nil)
	require.NoError(t, err)

	start := time.Now()
	rec, err := search.Resolve(context.Background(), scrape.Request{Kind: scrape.KindLyrics, Key: "song"})
	require.NoError(t, err)
	assert.Equal(t, "fast lyrics", rec.Text)
	assert.True(t, slow.canceled.Load(), "losing lookups are canceled")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLyricsSearchAllFailJoinsErrors(t *testing.T) {
	t.Parallel()

	a := &fakeSource{name: "a", err: &scrape.UpstreamError{Kind: scrape.UpstreamNotFound}}
	b := &fakeSource{name: "b", err: scrape.ErrNoContent}
	search, err := NewLyricsSearch([]NamedStrategy{a, b}, 2, nil)
	require.NoError(t, err)

	_, err = search.Resolve(context.Background(), scrape.Request{Key: "nothing"})
	require.ErrorIs(t, err, scrape.ErrNoContent)
	require.ErrorContains(t, err, "a: not found")
	require.ErrorContains(t, err, "b: no content found")
	_, ok := scrape.UserMessage(err)
	require.True(t, ok, "soft failures from every source stay presentable")

	c := &fakeSource{name: "c", err: &scrape.AcquisitionError{URL: "u", Attempts: 3}}
	search, err = NewLyricsSearch([]NamedStrategy{a, c}, 2, nil)
	require.NoError(t, err)
	_, err = search.Resolve(context.Background(), scrape.Request{Key: "nothing"})
	require.ErrorIs(t, err, scrape.ErrAcquisitionExhausted)
}

func TestLyricsSearchRespectsParallelLimit(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	var sources []NamedStrategy
	for i := range 8 {
		sources = append(sources, &fakeSource{
			name:     string(rune('a' + i)),
			delay:    5 * time.Millisecond,
			err:      scrape.ErrNoContent,
			inflight: &inflight,
			peak:     &peak,
		})
	}
	search, err := NewLyricsSearch(sources, 2, nil)
	require.NoError(t, err)

	_, err = search.Resolve(context.Background(), scrape.Request{Key: "q"})
	require.Error(t, err)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLyricsSearchParentCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	search, err := NewLyricsSearch([]NamedStrategy{&fakeSource{name: "a", delay: time.Minute}}, 1, nil)
	require.NoError(t, err)

	_, err = search.Resolve(ctx, scrape.Request{Key: "q"})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, scrape.ErrNoContent))

	_, err = NewLyricsSearch(nil, 1, nil)
	require.Error(t, err)
}
