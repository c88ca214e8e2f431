// Package headless solves anti-bot challenges in-process with headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/hostile-scraper/internal/proxy"
	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

// ChallengeDetector recognizes interstitial pages.
type ChallengeDetector interface {
	IsChallenge(body string) bool
}

// Config controls the behavior of the headless solver.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	ExecPath          string
}

// Solver implements scrape.Solver by driving Chrome until the challenge clears.
type Solver struct {
	cfg      Config
	limiter  chan struct{}
	detector ChallengeDetector
	clock    scrape.Clock
	logger   *zap.Logger
}

// NewChromedp creates a headless solver backed by chromedp.
func NewChromedp(cfg Config, detector ChallengeDetector, clock scrape.Clock, logger *zap.Logger) (*Solver, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if detector == nil {
		return nil, errors.New("challenge detector is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{
		cfg:      cfg,
		limiter:  limiter,
		detector: detector,
		clock:    clock,
		logger:   logger.Named("headless"),
	}, nil
}

// allocatorOptions builds Chrome flags. Proxies are a browser-level flag, so
// each call gets its own allocator.
func (s *Solver) allocatorOptions(proxyEntry string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	if proxyEntry != "" {
		opts = append(opts, chromedp.ProxyServer(proxy.URL(proxyEntry)))
	}
	return opts
}

// Solve navigates to req.URL and waits until the page is no longer a challenge.
func (s *Solver) Solve(ctx context.Context, req scrape.SolveRequest) (scrape.RawDocument, error) {
	if err := s.acquire(ctx); err != nil {
		return scrape.RawDocument{}, err
	}
	defer s.release()

	timeout := s.cfg.NavigationTimeout
	if req.MaxTimeout > 0 {
		timeout = req.MaxTimeout
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, s.allocatorOptions(req.Proxy)...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	var html string
	var cookies []*network.Cookie
	err := chromedp.Run(taskCtx,
		s.networkSetupAction(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			body, err := pollUntilClear(ctx, s.detector, s.cfg.PollInterval, func(ctx context.Context) (string, error) {
				var out string
				err := chromedp.OuterHTML("html", &out, chromedp.ByQuery).Do(ctx)
				return out, err
			})
			html = body
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		s.logger.Debug("headless solve failed", zap.String("url", req.URL), zap.String("proxy", req.Proxy), zap.Error(err))
		if errors.Is(err, errChallengeNotCleared) {
			return scrape.RawDocument{}, fmt.Errorf("%w: %v", scrape.ErrSolverRejected, err)
		}
		return scrape.RawDocument{}, fmt.Errorf("%w: chromedp run: %v", scrape.ErrTransport, err)
	}

	return scrape.RawDocument{
		Body:      html,
		Cookies:   cookieMap(cookies),
		FetchedAt: s.clock.Now(),
	}, nil
}

func (s *Solver) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

var errChallengeNotCleared = errors.New("challenge not cleared")

// pollUntilClear rereads the DOM until the detector stops flagging it or ctx
// expires.
func pollUntilClear(
	ctx context.Context,
	detector ChallengeDetector,
	interval time.Duration,
	read func(context.Context) (string, error),
) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		body, err := read(ctx)
		if err != nil {
			return "", fmt.Errorf("read dom: %w", err)
		}
		if !detector.IsChallenge(body) {
			return body, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", errChallengeNotCleared, ctx.Err())
		case <-ticker.C:
		}
	}
}

func cookieMap(cookies []*network.Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		out[c.Name] = c.Value
	}
	return out
}

func (s *Solver) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *Solver) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}
