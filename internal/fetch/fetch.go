// Package fetch retrieves single pages over HTTP using a colly collector.
// Robots compliance and pacing are enforced upstream by the governor, so the
// collector itself runs unthrottled.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/radlabs/rad-crawler/internal/ingest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements ingest.Fetcher with one HTTP GET per call. The base
// collector is cloned per fetch so per-request hooks never leak between
// fetches.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "rad-crawler/1.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 10 << 20
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: c}
}

// Fetch GETs one URL. Transport failures and non-2xx statuses both return an
// error; the page body comes back only on success.
func (f *Fetcher) Fetch(ctx context.Context, url string) (ingest.Page, error) {
	collector := f.base.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.MaxBodySize = f.cfg.MaxBodySize
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		page     ingest.Page
		fetchErr error
	)
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		page = ingest.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			page.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ingest.Page{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return ingest.Page{URL: url, StatusCode: page.StatusCode}, fmt.Errorf("visit %s: %w", url, err)
		}
		if fetchErr != nil {
			return ingest.Page{URL: url, StatusCode: page.StatusCode}, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		return page, nil
	}
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
