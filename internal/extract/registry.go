// Package extract turns raw documents into records. Parsers are pure
// functions over a RawDocument; strategies compose acquisition with parsing
// and are looked up by SourceKind through a Registry.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/hostile-scraper/internal/acquire"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// Strategy resolves one request into a record.
type Strategy interface {
	Resolve(ctx context.Context, req scrape.Request) (scrape.Record, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, req scrape.Request) (scrape.Record, error)

// Resolve calls f.
func (f StrategyFunc) Resolve(ctx context.Context, req scrape.Request) (scrape.Record, error) {
	return f(ctx, req)
}

// Record cache collections.
const (
	CollectionLyrics   = "lyrics"
	CollectionArticles = "articles"
	CollectionThreads  = "threads"
)

type entry struct {
	strategy   Strategy
	collection string
}

// Registry maps source kinds to strategies and record collections.
type Registry struct {
	mu      sync.RWMutex
	entries map[scrape.SourceKind]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[scrape.SourceKind]entry)}
}

// Register binds kind to s. An empty collection marks the kind uncached.
func (r *Registry) Register(kind scrape.SourceKind, collection string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[kind] = entry{strategy: s, collection: collection}
}

// Lookup returns the strategy and collection for kind.
func (r *Registry) Lookup(kind scrape.SourceKind) (Strategy, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	return e.strategy, e.collection, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []scrape.SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]scrape.SourceKind, 0, len(r.entries))
	for _, k := range scrape.Kinds() {
		if _, ok := r.entries[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// NormalizeKey maps a caller supplied key to the identity used for caching
// and job deduplication.
func NormalizeKey(kind scrape.SourceKind, key string) (string, error) {
	switch kind {
	case scrape.KindLyrics, scrape.KindLyricsAPI:
		q := scrape.NormalizeQuery(key)
		if q == "" {
			return "", errors.New("search query is required")
		}
		return q, nil
	case scrape.KindArticle, scrape.KindThread:
		return acquire.NormalizeURL(key)
	case scrape.KindProxyRefresh:
		if key == "" {
			key = DefaultProxyListURL
		}
		return acquire.NormalizeURL(key)
	default:
		return "", fmt.Errorf("unknown source kind %q", kind)
	}
}
