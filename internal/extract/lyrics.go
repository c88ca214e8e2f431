package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/hostile-scraper/internal/metrics"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// SiteDescriptor declares how to search and scrape one lyrics site. SearchURL
// contains a {query} placeholder.
type SiteDescriptor struct {
	Name           string `mapstructure:"name"`
	SearchURL      string `mapstructure:"search_url"`
	ResultSelector string `mapstructure:"result_selector"`
	LinkSelector   string `mapstructure:"link_selector"`
	TitleSelector  string `mapstructure:"title_selector"`
	AuthorSelector string `mapstructure:"author_selector"`
	BodySelector   string `mapstructure:"body_selector"`
}

// DefaultLyricsSites returns the built-in scrape descriptors.
func DefaultLyricsSites() []SiteDescriptor {
	return []SiteDescriptor{
		{
			Name:           "mysongbooks",
			SearchURL:      "https://www.mysongbooks.scaptedesigns.com/library/search?s={query}",
			ResultSelector: "div.col-12.col-md-6.col-lg-6.mb-1",
			LinkSelector:   "a.d-flex",
			TitleSelector:  "h6",
			AuthorSelector: "p",
			BodySelector:   "div.row.item-list.item-list-md.m-t.m-b p.item-title.text-black",
		},
		{
			Name:           "lyricshymn",
			SearchURL:      "https://lyricshymn.com/library/search?s={query}",
			ResultSelector: "div.col-12.col-md-6",
			LinkSelector:   "a",
			TitleSelector:  "h6",
			AuthorSelector: "p",
			BodySelector:   "div.col-8",
		},
	}
}

// Validate checks that every selector needed for the two stage scrape is set.
func (d SiteDescriptor) Validate() error {
	switch {
	case d.Name == "":
		return errors.New("site descriptor: name is required")
	case !strings.Contains(d.SearchURL, "{query}"):
		return fmt.Errorf("site %s: search_url must contain {query}", d.Name)
	case d.ResultSelector == "" || d.LinkSelector == "" || d.BodySelector == "":
		return fmt.Errorf("site %s: result, link and body selectors are required", d.Name)
	}
	return nil
}

// ScrapeSite resolves a query by scraping a search page and then the first
// result's detail page.
type ScrapeSite struct {
	desc     SiteDescriptor
	acquirer scrape.Acquirer
	clock    scrape.Clock
}

// NewScrapeSite builds a ScrapeSite.
func NewScrapeSite(desc SiteDescriptor, acquirer scrape.Acquirer, clock scrape.Clock) (*ScrapeSite, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if acquirer == nil || clock == nil {
		return nil, errors.New("scrape site: acquirer and clock are required")
	}
	return &ScrapeSite{desc: desc, acquirer: acquirer, clock: clock}, nil
}

// Name returns the site name.
func (s *ScrapeSite) Name() string { return s.desc.Name }

// Resolve implements Strategy.
func (s *ScrapeSite) Resolve(ctx context.Context, req scrape.Request) (rec scrape.Record, err error) {
	defer func() { metrics.ObserveExtract(s.desc.Name, outcome(err)) }()

	searchURL := strings.ReplaceAll(s.desc.SearchURL, "{query}", url.QueryEscape(req.Key))
	searchDoc, err := s.acquirer.Fetch(ctx, searchURL)
	if err != nil {
		return scrape.Record{}, err
	}
	songURL, err := ParseSearchResult(searchDoc, searchURL, s.desc)
	if err != nil {
		return scrape.Record{}, err
	}
	songDoc, err := s.acquirer.Fetch(ctx, songURL)
	if err != nil {
		return scrape.Record{}, err
	}
	rec, err = ParseDetail(songDoc, s.desc)
	if err != nil {
		return scrape.Record{}, err
	}
	rec.Kind = req.Kind
	rec.Key = req.Key
	rec.Source = siteRoot(songURL)
	rec.FetchedAt = s.clock.Now()
	return rec, nil
}

// DefaultLyricsAPIURL is the simpmusic search endpoint.
const DefaultLyricsAPIURL = "https://api-lyrics.simpmusic.org/v1/search"

// APISiteConfig configures an APISite.
type APISiteConfig struct {
	Name      string        `mapstructure:"name"`
	SearchURL string        `mapstructure:"search_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// APISite resolves a query against a JSON lyrics API.
type APISite struct {
	cfg    APISiteConfig
	client *http.Client
	clock  scrape.Clock
}

// NewAPISite builds an APISite. A nil client gets one with cfg.Timeout.
func NewAPISite(cfg APISiteConfig, client *http.Client, clock scrape.Clock) (*APISite, error) {
	if clock == nil {
		return nil, errors.New("api site: clock is required")
	}
	if cfg.Name == "" {
		cfg.Name = "simpmusic"
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultLyricsAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &APISite{cfg: cfg, client: client, clock: clock}, nil
}

// Name returns the site name.
func (a *APISite) Name() string { return a.cfg.Name }

type apiLyrics struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Lyrics string `json:"lyrics"`
}

// Resolve implements Strategy. An optional "type" arg is forwarded to the API.
func (a *APISite) Resolve(ctx context.Context, req scrape.Request) (rec scrape.Record, err error) {
	defer func() { metrics.ObserveExtract(a.cfg.Name, outcome(err)) }()

	endpoint, err := url.Parse(a.cfg.SearchURL)
	if err != nil {
		return scrape.Record{}, fmt.Errorf("parse api url: %w", err)
	}
	q := endpoint.Query()
	q.Set("q", req.Key)
	if t := req.Args["type"]; t != "" {
		q.Set("type", t)
	}
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return scrape.Record{}, fmt.Errorf("build api request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return scrape.Record{}, fmt.Errorf("%w: %s: %v", scrape.ErrTransport, a.cfg.Name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return scrape.Record{}, &scrape.UpstreamError{Kind: scrape.UpstreamRateLimited, Source: a.cfg.Name}
	case http.StatusServiceUnavailable:
		return scrape.Record{}, &scrape.UpstreamError{Kind: scrape.UpstreamUnavailable, Source: a.cfg.Name}
	case http.StatusNotFound:
		return scrape.Record{}, &scrape.UpstreamError{Kind: scrape.UpstreamNotFound, Source: a.cfg.Name}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return scrape.Record{}, fmt.Errorf("%w: %s returned http %d", scrape.ErrTransport, a.cfg.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return scrape.Record{}, fmt.Errorf("%w: read %s response: %v", scrape.ErrTransport, a.cfg.Name, err)
	}
	hit, err := decodeAPILyrics(body)
	if err != nil {
		return scrape.Record{}, fmt.Errorf("%w: %s: %v", scrape.ErrStructureMismatch, a.cfg.Name, err)
	}
	if hit == nil || strings.TrimSpace(hit.Lyrics) == "" {
		return scrape.Record{}, &scrape.UpstreamError{Kind: scrape.UpstreamNotFound, Source: a.cfg.Name}
	}

	title := hit.Title
	if title == "" {
		title = req.Key
	}
	artist := hit.Artist
	if artist == "" {
		artist = "Unknown"
	}
	return scrape.Record{
		Kind:      req.Kind,
		Key:       req.Key,
		Title:     title,
		Author:    artist,
		Text:      hit.Lyrics,
		Source:    a.cfg.Name + " API",
		FetchedAt: a.clock.Now(),
	}, nil
}

// decodeAPILyrics accepts either a single object or a list of hits and
// returns the first one carrying lyrics.
func decodeAPILyrics(body []byte) (*apiLyrics, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var hits []apiLyrics
		if err := json.Unmarshal(body, &hits); err != nil {
			return nil, err
		}
		for i := range hits {
			if strings.TrimSpace(hits[i].Lyrics) != "" {
				return &hits[i], nil
			}
		}
		return nil, nil
	}
	var hit apiLyrics
	if err := json.Unmarshal(body, &hit); err != nil {
		return nil, err
	}
	return &hit, nil
}

// NamedStrategy is a lyrics source taking part in a search race.
type NamedStrategy interface {
	Strategy
	Name() string
}

// DefaultLyricsParallel caps concurrent site lookups in a search race.
const DefaultLyricsParallel = 5

// LyricsSearch races every configured source and returns the first non-empty
// record. Losing lookups are canceled and their results ignored.
type LyricsSearch struct {
	sources  []NamedStrategy
	parallel int
	logger   *zap.Logger
}

// NewLyricsSearch builds a LyricsSearch.
func NewLyricsSearch(sources []NamedStrategy, parallel int, logger *zap.Logger) (*LyricsSearch, error) {
	if len(sources) == 0 {
		return nil, errors.New("lyrics search: at least one source is required")
	}
	if parallel <= 0 {
		parallel = DefaultLyricsParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LyricsSearch{sources: sources, parallel: parallel, logger: logger.Named("lyrics")}, nil
}

// Resolve implements Strategy. When every source fails the errors are joined.
func (l *LyricsSearch) Resolve(ctx context.Context, req scrape.Request) (scrape.Record, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		g      errgroup.Group
		once   sync.Once
		winner scrape.Record
		won    bool
		errs   = make([]error, len(l.sources))
	)
	g.SetLimit(l.parallel)

	for i, src := range l.sources {
		if raceCtx.Err() != nil {
			errs[i] = fmt.Errorf("%s: %w", src.Name(), context.Cause(raceCtx))
			continue
		}
		g.Go(func() error {
			rec, err := src.Resolve(raceCtx, req)
			if err == nil {
				err = rec.Validate()
			}
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", src.Name(), err)
				return nil
			}
			once.Do(func() {
				winner, won = rec, true
				l.logger.Debug("lyrics source won", zap.String("site", src.Name()), zap.String("key", req.Key))
				cancel()
			})
			return nil
		})
	}
	_ = g.Wait()

	if won {
		return winner, nil
	}
	if err := ctx.Err(); err != nil {
		return scrape.Record{}, err
	}
	return scrape.Record{}, errors.Join(errs...)
}

func siteRoot(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
}

func outcome(err error) string {
	var upstream *scrape.UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, scrape.ErrStructureMismatch):
		return "structure_mismatch"
	case errors.Is(err, scrape.ErrNoContent), errors.As(err, &upstream):
		return "no_content"
	case errors.Is(err, scrape.ErrAcquisitionExhausted):
		return "exhausted"
	default:
		return "error"
	}
}
