package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/extract"
	"github.com/radlabs/rad-crawler/internal/ingest"
	"github.com/radlabs/rad-crawler/internal/metrics"
	"github.com/radlabs/rad-crawler/internal/policy"
)

// Crawl budget fallbacks when neither job params nor the policy set one.
const (
	defaultMaxPages = 500
	defaultMaxDepth = 3
)

type frontierItem struct {
	url      string
	depth    int
	sourceID int64
}

// runCrawl executes a breadth-first crawl from the job's seeds. Every URL
// passes the policy, robots, and pacing gates before it is fetched; links
// stay within the host of the page that produced them.
func (w *Worker) runCrawl(ctx context.Context, job ingest.Job) (ingest.Progress, error) {
	var progress ingest.Progress

	params := job.Params.Crawl
	if params == nil {
		return progress, errors.New("crawl job has no crawl params")
	}

	pol, err := w.store.ActivePolicy(ctx)
	if err != nil {
		return progress, fmt.Errorf("load active policy: %w", err)
	}

	maxPages := firstPositive(params.MaxPages, pol.Budgets.MaxPagesPerJob, defaultMaxPages)
	maxDepth := firstPositive(params.MaxDepth, pol.Budgets.MaxDepth, defaultMaxDepth)

	frontier := make([]frontierItem, 0, len(params.SeedURLs))
	for _, seed := range params.SeedURLs {
		norm, err := ingest.NormalizeURL(seed)
		if err != nil {
			return progress, fmt.Errorf("normalize seed %q: %w", seed, err)
		}
		src, err := w.store.CreateSource(ctx, ingest.SourceWeb, norm)
		if err != nil {
			return progress, fmt.Errorf("create source for %q: %w", seed, err)
		}
		frontier = append(frontier, frontierItem{url: norm, depth: 0, sourceID: src.ID})
	}

	visited := make(map[string]struct{})
	tally := &errorTally{max: w.cfg.MaxErrors}

	for len(frontier) > 0 && progress.PagesCrawled < maxPages {
		if w.stopping(ctx) {
			w.logger.Info("crawl interrupted by shutdown", zap.Int64("job_id", job.ID))
			break
		}

		item := frontier[0]
		frontier = frontier[1:]

		norm, err := ingest.NormalizeURL(item.url)
		if err != nil {
			continue
		}
		if _, seen := visited[norm]; seen {
			continue
		}
		visited[norm] = struct{}{}

		if !policy.Allowed(norm, pol) {
			w.logger.Debug("url blocked by policy", zap.String("url", norm))
			continue
		}
		if !w.governor.CheckRobots(ctx, norm) {
			w.logger.Debug("url blocked by robots", zap.String("url", norm))
			continue
		}

		host := hostOf(norm)
		if err := w.governor.AcquireSlot(ctx, host); err != nil {
			// Only context cancellation gets here; stop the crawl cleanly.
			break
		}

		links, chunks, err := w.crawlPage(ctx, item.sourceID, norm)
		if err != nil {
			metrics.ObservePage(host, "error")
			tally.add(norm, err)
			if tally.exceeded() {
				return progress, tally.summary()
			}
			continue
		}
		metrics.ObservePage(host, "ok")

		progress.PagesCrawled++
		progress.ChunksCreated += chunks
		progress.CurrentItem = norm
		if err := w.store.UpdateProgress(ctx, job.ID, progress); err != nil {
			w.logger.Warn("progress update failed",
				zap.Int64("job_id", job.ID), zap.Error(err))
		}

		if item.depth >= maxDepth {
			continue
		}
		for _, link := range links {
			resolved, ok := resolveSameHost(norm, link)
			if !ok {
				continue
			}
			if _, seen := visited[resolved]; seen {
				continue
			}
			frontier = append(frontier, frontierItem{
				url:      resolved,
				depth:    item.depth + 1,
				sourceID: item.sourceID,
			})
		}
	}

	if progress.PagesCrawled == 0 {
		if err := tally.summary(); err != nil {
			return progress, err
		}
	}
	return progress, nil
}

// crawlPage fetches, extracts, and indexes one URL. It returns the page's
// outbound links and the number of chunks created.
func (w *Worker) crawlPage(ctx context.Context, sourceID int64, pageURL string) ([]string, int, error) {
	page, err := w.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}

	content, err := extract.FromHTML(page.Body, pageURL)
	if err != nil {
		return nil, 0, fmt.Errorf("extract: %w", err)
	}
	if content.Text == "" {
		return content.Anchors, 0, nil
	}

	doc := ingest.Document{
		SourceID:    sourceID,
		ExternalID:  pageURL,
		Title:       content.Title,
		Language:    content.Language,
		DocType:     "web",
		ContentHash: content.ContentHash,
		SizeBytes:   int64(len(content.Text)),
	}
	chunks, err := w.indexDocument(ctx, doc, content.Text, ingest.ChunkMeta{Language: content.Language})
	if err != nil {
		return nil, 0, err
	}
	return content.Anchors, chunks, nil
}

// resolveSameHost resolves link against base and returns the normalized
// result only when it stays on the same host over http(s).
func resolveSameHost(base, link string) (string, bool) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	resolved := baseURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if resolved.Hostname() != baseURL.Hostname() {
		return "", false
	}
	norm, err := ingest.NormalizeURL(resolved.String())
	if err != nil {
		return "", false
	}
	return norm, true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
