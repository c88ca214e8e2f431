// Package rawcache keeps recently fetched pages so repeated requests for the
// same URL skip the network. Entries live in a BlobStore as
// <prefix>/<sha256(key)>.json and go stale after a fixed TTL.
package rawcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// DefaultTTL is how long a fetched page stays fresh.
const DefaultTTL = time.Hour

// Config controls the cache layout.
type Config struct {
	Prefix string
	TTL    time.Duration
}

// StringHasher maps a cache key to a filesystem-safe digest.
type StringHasher interface {
	HashString(s string) string
}

// Cache implements scrape.RawCache over any BlobStore.
type Cache struct {
	blobs  scrape.BlobStore
	hasher StringHasher
	clock  scrape.Clock
	prefix string
	ttl    time.Duration
}

// New builds a Cache.
func New(blobs scrape.BlobStore, hasher StringHasher, clock scrape.Clock, cfg Config) (*Cache, error) {
	if blobs == nil || hasher == nil || clock == nil {
		return nil, errors.New("rawcache: blob store, hasher and clock are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "raw"
	}
	return &Cache{blobs: blobs, hasher: hasher, clock: clock, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (c *Cache) objectPath(key string) string {
	return path.Join(c.prefix, c.hasher.HashString(key)+".json")
}

// Get returns a fresh entry. Missing, stale and unreadable entries are misses.
func (c *Cache) Get(ctx context.Context, key string) (scrape.RawDocument, bool, error) {
	data, err := c.blobs.GetObject(ctx, c.objectPath(key))
	if errors.Is(err, scrape.ErrObjectNotFound) {
		return scrape.RawDocument{}, false, nil
	}
	if err != nil {
		return scrape.RawDocument{}, false, fmt.Errorf("read raw cache: %w", err)
	}
	var doc scrape.RawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A torn or foreign file is treated as absent and overwritten on the next put.
		return scrape.RawDocument{}, false, nil
	}
	if c.clock.Now().Sub(doc.FetchedAt) >= c.ttl {
		return scrape.RawDocument{}, false, nil
	}
	return doc, true, nil
}

// Put writes doc under key, stamping FetchedAt when unset.
func (c *Cache) Put(ctx context.Context, key string, doc scrape.RawDocument) error {
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = c.clock.Now()
	}
	if doc.Cookies == nil {
		doc.Cookies = map[string]string{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal raw document: %w", err)
	}
	if _, err := c.blobs.PutObject(ctx, c.objectPath(key), "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write raw cache: %w", err)
	}
	return nil
}
