// Package governor owns per-host crawl state: request pacing and the
// robots.txt cache. One instance is injected into the worker so tests can
// run isolated governors instead of sharing process-global maps.
package governor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radlabs/rad-crawler/internal/metrics"
)

const robotsFetchTimeout = 5 * time.Second

// Config controls pacing and robots evaluation.
type Config struct {
	// RatePerDomain is the allowed requests per domain per minute.
	RatePerDomain int
	UserAgent     string
}

// Governor implements ingest.Governor. Per-host limiters and robots entries
// are created lazily and live for the process lifetime; robots.txt is not
// re-fetched within a run.
type Governor struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	robots sync.Map // "scheme://host" -> *robotstxt.RobotsData
}

// New builds a Governor.
func New(cfg Config, logger *zap.Logger) *Governor {
	if cfg.RatePerDomain <= 0 {
		cfg.RatePerDomain = 30
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "rad-crawler/1.0"
	}
	return &Governor{
		cfg:      cfg,
		client:   &http.Client{Timeout: robotsFetchTimeout},
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// AcquireSlot blocks until the host's limiter admits one request or the
// context ends. The limiter enforces a minimum inter-request interval of
// one minute divided by the per-domain rate, with burst 1, so at most one
// request per host is admitted per interval.
func (g *Governor) AcquireSlot(ctx context.Context, host string) error {
	key := strings.ToLower(host)

	g.mu.Lock()
	limiter, ok := g.limiters[key]
	if !ok {
		interval := time.Minute / time.Duration(g.cfg.RatePerDomain)
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		g.limiters[key] = limiter
	}
	g.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// CheckRobots reports whether rawURL is permitted by the host's robots.txt.
// Fetch and parse failures allow the URL (fail open); only an explicit
// disallow rule for the configured user agent rejects it.
func (g *Governor) CheckRobots(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}

	data, err := g.load(ctx, u)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", u.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(g.cfg.UserAgent)
	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

func (g *Governor) load(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(u.Scheme + "://" + u.Host)
	if cached, ok := g.robots.Load(key); ok {
		data, castOK := cached.(*robotstxt.RobotsData)
		if !castOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return data, nil
	}

	robotsURL := key + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	g.robots.Store(key, data)
	return data, nil
}
