package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/hostile-scraper/internal/metrics"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// Article resolves Medium and Freedium article URLs.
type Article struct {
	acquirer scrape.Acquirer
	clock    scrape.Clock
}

// NewArticle builds an Article strategy.
func NewArticle(acquirer scrape.Acquirer, clock scrape.Clock) (*Article, error) {
	if acquirer == nil || clock == nil {
		return nil, errors.New("article: acquirer and clock are required")
	}
	return &Article{acquirer: acquirer, clock: clock}, nil
}

// Resolve implements Strategy.
func (a *Article) Resolve(ctx context.Context, req scrape.Request) (rec scrape.Record, err error) {
	site := metrics.SanitizeSite(req.Key)
	defer func() { metrics.ObserveExtract(site, outcome(err)) }()

	doc, err := a.acquirer.Fetch(ctx, req.Key)
	if err != nil {
		return scrape.Record{}, err
	}
	rec, err = ParseArticle(doc, isFreedium(req.Key))
	if err != nil {
		return scrape.Record{}, err
	}
	rec.Kind = req.Kind
	rec.Key = req.Key
	rec.Source = req.Key
	rec.FetchedAt = a.clock.Now()
	return rec, nil
}

func isFreedium(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Hostname()), "freedium")
}

// Thread resolves forum thread URLs through old.reddit.com.
type Thread struct {
	acquirer scrape.Acquirer
	clock    scrape.Clock
}

// NewThread builds a Thread strategy.
func NewThread(acquirer scrape.Acquirer, clock scrape.Clock) (*Thread, error) {
	if acquirer == nil || clock == nil {
		return nil, errors.New("thread: acquirer and clock are required")
	}
	return &Thread{acquirer: acquirer, clock: clock}, nil
}

// Resolve implements Strategy.
func (t *Thread) Resolve(ctx context.Context, req scrape.Request) (rec scrape.Record, err error) {
	defer func() { metrics.ObserveExtract("old.reddit.com", outcome(err)) }()

	target, err := OldRedditURL(req.Key)
	if err != nil {
		return scrape.Record{}, err
	}
	doc, err := t.acquirer.Fetch(ctx, target)
	if err != nil {
		return scrape.Record{}, err
	}
	rec, err = ParseThread(doc)
	if err != nil {
		return scrape.Record{}, err
	}
	rec.Kind = req.Kind
	rec.Key = req.Key
	rec.Source = req.Key
	rec.FetchedAt = t.clock.Now()
	return rec, nil
}

// OldRedditURL swaps the host of raw for old.reddit.com, whose markup is
// stable and server rendered.
func OldRedditURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse thread url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("thread url %q has no host", raw)
	}
	u.Host = "old.reddit.com"
	return u.String(), nil
}
