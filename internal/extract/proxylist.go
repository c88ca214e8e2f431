package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/metrics"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// DefaultProxyListURL is scraped when a refresh names no source.
const DefaultProxyListURL = "https://free-proxy-list.net/en/"

// ProxySaver persists a fresh proxy list and makes it live.
type ProxySaver interface {
	Save(ctx context.Context, entries []string) error
}

// ProxyList refreshes the proxy pool from a public proxy table.
type ProxyList struct {
	acquirer scrape.Acquirer
	saver    ProxySaver
	clock    scrape.Clock
	logger   *zap.Logger
}

// NewProxyList builds a ProxyList strategy.
func NewProxyList(acquirer scrape.Acquirer, saver ProxySaver, clock scrape.Clock, logger *zap.Logger) (*ProxyList, error) {
	if acquirer == nil || saver == nil || clock == nil {
		return nil, errors.New("proxy list: acquirer, saver and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyList{acquirer: acquirer, saver: saver, clock: clock, logger: logger.Named("proxylist")}, nil
}

// Resolve implements Strategy. The returned record summarizes the saved list.
func (p *ProxyList) Resolve(ctx context.Context, req scrape.Request) (rec scrape.Record, err error) {
	source := req.Key
	if source == "" {
		source = DefaultProxyListURL
	}
	site := metrics.SanitizeSite(source)
	defer func() { metrics.ObserveExtract(site, outcome(err)) }()

	doc, err := p.acquirer.Fetch(ctx, source)
	if err != nil {
		return scrape.Record{}, err
	}
	entries, err := ParseProxyList(doc)
	if err != nil {
		return scrape.Record{}, err
	}
	if err := p.saver.Save(ctx, entries); err != nil {
		return scrape.Record{}, fmt.Errorf("save proxies: %w", err)
	}
	p.logger.Info("proxy list refreshed", zap.String("source", source), zap.Int("count", len(entries)))

	return scrape.Record{
		Kind:      scrape.KindProxyRefresh,
		Key:       source,
		Title:     fmt.Sprintf("%d proxies", len(entries)),
		Text:      strings.Join(entries, "\n"),
		Source:    source,
		FetchedAt: p.clock.Now(),
	}, nil
}
