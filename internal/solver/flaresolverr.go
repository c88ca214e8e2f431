// Package solver talks to a FlareSolverr compatible anti-bot service.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/proxy"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// DefaultMaxTimeout is the budget the solver gets to pass a challenge.
const DefaultMaxTimeout = 30 * time.Second

// Config describes the solver endpoint.
type Config struct {
	Endpoint string
	// HTTPTimeout bounds the whole round trip and must exceed MaxTimeout.
	HTTPTimeout time.Duration
	MaxTimeout  time.Duration
}

// Client posts request.get commands to the solver.
type Client struct {
	cfg    Config
	http   *http.Client
	clock  scrape.Clock
	logger *zap.Logger
}

// New builds a solver client.
func New(cfg Config, clock scrape.Clock, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("solver endpoint is required")
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 2 * cfg.MaxTimeout
	}
	if cfg.HTTPTimeout <= cfg.MaxTimeout {
		return nil, fmt.Errorf("solver http timeout %s must exceed max timeout %s", cfg.HTTPTimeout, cfg.MaxTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		clock:  clock,
		logger: logger.Named("solver"),
	}, nil
}

type proxySpec struct {
	URL string `json:"url"`
}

type request struct {
	Cmd        string     `json:"cmd"`
	URL        string     `json:"url"`
	MaxTimeout int64      `json:"maxTimeout"`
	Proxy      *proxySpec `json:"proxy,omitempty"`
}

type cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type response struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL      string   `json:"url"`
		Status   int      `json:"status"`
		Response string   `json:"response"`
		Cookies  []cookie `json:"cookies"`
	} `json:"solution"`
}

// Solve asks the solver to fetch req.URL. Transport problems wrap
// scrape.ErrTransport and refusals wrap scrape.ErrSolverRejected.
func (c *Client) Solve(ctx context.Context, req scrape.SolveRequest) (scrape.RawDocument, error) {
	maxTimeout := req.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = c.cfg.MaxTimeout
	}
	body := request{
		Cmd:        "request.get",
		URL:        req.URL,
		MaxTimeout: maxTimeout.Milliseconds(),
	}
	if req.Proxy != "" {
		body.Proxy = &proxySpec{URL: proxy.URL(req.Proxy)}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return scrape.RawDocument{}, fmt.Errorf("marshal solver request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return scrape.RawDocument{}, fmt.Errorf("build solver request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return scrape.RawDocument{}, fmt.Errorf("%w: solver: %v", scrape.ErrTransport, err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return scrape.RawDocument{}, fmt.Errorf("%w: read solver response: %v", scrape.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return scrape.RawDocument{}, fmt.Errorf("%w: solver returned http %d", scrape.ErrTransport, resp.StatusCode)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return scrape.RawDocument{}, fmt.Errorf("%w: malformed solver response: %v", scrape.ErrSolverRejected, err)
	}
	if out.Status != "ok" {
		c.logger.Debug("solver refused", zap.String("url", req.URL), zap.String("status", out.Status), zap.String("message", out.Message))
		return scrape.RawDocument{}, fmt.Errorf("%w: status %q: %s", scrape.ErrSolverRejected, out.Status, out.Message)
	}

	cookies := make(map[string]string, len(out.Solution.Cookies))
	for _, ck := range out.Solution.Cookies {
		cookies[ck.Name] = ck.Value
	}
	return scrape.RawDocument{
		Body:      out.Solution.Response,
		Cookies:   cookies,
		FetchedAt: c.clock.Now(),
	}, nil
}
