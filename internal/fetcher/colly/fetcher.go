// Package collyfetcher implements the direct fallback fetch using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/hostile-scraper/internal/proxy"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// ChromeUserAgent is sent when a request does not name its own agent.
const ChromeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultTimeout bounds a direct fetch when the request leaves it unset.
const DefaultTimeout = 25 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements scrape.DirectFetcher using the Colly collector.
type Fetcher struct {
	cfg   Config
	clock scrape.Clock
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, clock scrape.Clock) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = ChromeUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Fetcher{cfg: cfg, clock: clock}
}

type result struct {
	status  int
	body    []byte
	cookies map[string]string
}

// FetchDirect executes a single GET, through req.Proxy when set. Any failure,
// including a non-2xx status, wraps scrape.ErrTransport.
func (f *Fetcher) FetchDirect(ctx context.Context, req scrape.DirectRequest) (scrape.RawDocument, error) {
	var (
		res      result
		fetchErr error
	)
	collector, err := f.buildCollector(req)
	if err != nil {
		return scrape.RawDocument{}, err
	}
	f.configureCollectorHooks(collector, &res, &fetchErr)

	if err := f.runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return scrape.RawDocument{}, fmt.Errorf("%w: %v", scrape.ErrTransport, err)
	}
	if res.status < 200 || res.status >= 300 {
		return scrape.RawDocument{}, fmt.Errorf("%w: direct fetch returned http %d", scrape.ErrTransport, res.status)
	}
	return scrape.RawDocument{
		Body:      string(res.body),
		Cookies:   res.cookies,
		FetchedAt: f.clock.Now(),
	}, nil
}

func (f *Fetcher) buildCollector(req scrape.DirectRequest) (*colly.Collector, error) {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.IgnoreRobotsTxt = true
	collector.UserAgent = f.cfg.UserAgent
	if req.UserAgent != "" {
		collector.UserAgent = req.UserAgent
	}
	timeout := f.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	collector.SetRequestTimeout(timeout)

	transport := newHTTPTransport()
	if req.Proxy != "" {
		proxyURL, err := url.Parse(proxy.URL(req.Proxy))
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", req.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	collector.WithTransport(transport)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *result, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*res = result{
			status:  r.StatusCode,
			body:    append([]byte(nil), r.Body...),
			cookies: cookiesFrom(r.Headers),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func cookiesFrom(h *http.Header) map[string]string {
	out := map[string]string{}
	if h == nil {
		return out
	}
	for _, line := range h.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		out[c.Name] = c.Value
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}
}
