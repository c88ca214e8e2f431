// Package proxy manages the outbound proxy list used for acquisition.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/metrics"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// DefaultListPath is where the proxy list lives inside the blob store.
const DefaultListPath = "proxies.txt"

// Pool hands out proxies uniformly at random. An empty pool yields "".
type Pool struct {
	mu      sync.RWMutex
	entries []string
	blobs   scrape.BlobStore
	path    string
	logger  *zap.Logger
}

// NewPool builds a pool that loads and saves its list at path in blobs.
func NewPool(blobs scrape.BlobStore, path string, logger *zap.Logger) *Pool {
	if path == "" {
		path = DefaultListPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{blobs: blobs, path: path, logger: logger}
}

// Pick returns one proxy as host:port, or "" when the pool is empty.
func (p *Pool) Pick() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.entries) == 0 {
		return ""
	}
	return p.entries[rand.IntN(len(p.entries))]
}

// Size reports how many proxies are loaded.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Set replaces the in-memory list.
func (p *Pool) Set(entries []string) {
	cp := append([]string(nil), entries...)
	p.mu.Lock()
	p.entries = cp
	p.mu.Unlock()
	metrics.SetProxyPoolSize(len(cp))
}

// Reload rereads the list. A missing list leaves the pool empty without error.
func (p *Pool) Reload(ctx context.Context) error {
	if p.blobs == nil {
		return nil
	}
	data, err := p.blobs.GetObject(ctx, p.path)
	if errors.Is(err, scrape.ErrObjectNotFound) {
		p.logger.Warn("proxy list missing, running without proxies", zap.String("path", p.path))
		p.Set(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load proxy list: %w", err)
	}
	entries := ParseList(data)
	p.Set(entries)
	p.logger.Info("proxy list loaded", zap.Int("count", len(entries)))
	return nil
}

// Save persists entries one per line and swaps them into the pool.
func (p *Pool) Save(ctx context.Context, entries []string) error {
	if p.blobs == nil {
		return errors.New("proxy pool has no backing store")
	}
	body := strings.Join(entries, "\n")
	if body != "" {
		body += "\n"
	}
	if _, err := p.blobs.PutObject(ctx, p.path, "text/plain", strings.NewReader(body)); err != nil {
		return fmt.Errorf("save proxy list: %w", err)
	}
	p.Set(entries)
	return nil
}

// ParseList reads one proxy per line, skipping blanks and # comments.
func ParseList(data []byte) []string {
	var out []string
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

// URL renders a host:port entry as an http proxy URL. Entries that already
// carry a scheme are returned unchanged.
func URL(entry string) string {
	if entry == "" || strings.Contains(entry, "://") {
		return entry
	}
	return "http://" + entry
}
