// Package worker drains the durable job queue and runs the ingestion
// pipelines: web crawls and repository walks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/chunk"
	"github.com/radlabs/rad-crawler/internal/ingest"
	"github.com/radlabs/rad-crawler/internal/metrics"
)

const (
	// DefaultPollInterval is the idle sleep between empty queue polls.
	DefaultPollInterval = 5 * time.Second

	// DefaultMaxErrors aborts a job once this many item errors accumulate.
	DefaultMaxErrors = 10

	// reportedErrors caps how many item errors land in the job's error text.
	reportedErrors = 5
)

// Config controls worker behavior.
type Config struct {
	PollInterval time.Duration
	MaxErrors    int
	ChunkWindow  int
	ChunkOverlap int
}

// Worker claims queued jobs one at a time and executes them. Stop is
// graceful: the in-flight item finishes, remaining work stays in the queue.
type Worker struct {
	store    ingest.Store
	fetcher  ingest.Fetcher
	embedder ingest.Embedder
	governor ingest.Governor
	clock    ingest.Clock
	cfg      Config
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a Worker.
func New(
	store ingest.Store,
	fetcher ingest.Fetcher,
	embedder ingest.Embedder,
	governor ingest.Governor,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.ChunkWindow <= 0 {
		cfg.ChunkWindow = chunk.DefaultWindow
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = chunk.DefaultOverlap
	}
	return &Worker{
		store:    store,
		fetcher:  fetcher,
		embedder: embedder,
		governor: governor,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop in its own goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop asks the loop to exit after the current item and waits for it, up to
// the context deadline.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.store.ClaimJob(ctx)
		switch {
		case errors.Is(err, ingest.ErrNoJob):
			w.sleep(ctx)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim job failed", zap.Error(err))
			w.sleep(ctx)
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.stop:
	case <-ctx.Done():
	}
}

func (w *Worker) process(ctx context.Context, job ingest.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.logger.Info("job claimed",
		zap.Int64("job_id", job.ID), zap.String("kind", string(job.Kind)))
	started := w.clock.Now()

	var (
		progress ingest.Progress
		err      error
	)
	switch job.Kind {
	case ingest.JobCrawl:
		progress, err = w.runCrawl(ctx, job)
	case ingest.JobRepoIngest:
		progress, err = w.runRepoIngest(ctx, job)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	// Terminal state writes must land even when the parent context died
	// mid-job; a claimed job is never left in running.
	finishCtx := context.WithoutCancel(ctx)

	if upErr := w.store.UpdateProgress(finishCtx, job.ID, progress); upErr != nil {
		w.logger.Warn("final progress update failed",
			zap.Int64("job_id", job.ID), zap.Error(upErr))
	}

	if err != nil {
		w.logger.Error("job failed",
			zap.Int64("job_id", job.ID), zap.Error(err))
		if failErr := w.store.FailJob(finishCtx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("fail job update failed",
				zap.Int64("job_id", job.ID), zap.Error(failErr))
		}
		metrics.ObserveJob(string(job.Kind), string(ingest.JobError))
		return
	}

	if doneErr := w.store.CompleteJob(finishCtx, job.ID); doneErr != nil {
		w.logger.Error("complete job update failed",
			zap.Int64("job_id", job.ID), zap.Error(doneErr))
		return
	}
	metrics.ObserveJob(string(job.Kind), string(ingest.JobDone))
	w.logger.Info("job done",
		zap.Int64("job_id", job.ID),
		zap.Int("pages", progress.PagesCrawled),
		zap.Int("files", progress.FilesIngested),
		zap.Int("chunks", progress.ChunksCreated),
		zap.Duration("elapsed", w.clock.Now().Sub(started)))
}

// stopping reports whether a graceful stop or context cancellation is
// pending. Drivers check it between items.
func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// errorTally accumulates per-item failures and aborts the job when the cap
// is hit. The job error text carries only the first few entries.
type errorTally struct {
	max  int
	errs []string
}

func (t *errorTally) add(item string, err error) {
	t.errs = append(t.errs, fmt.Sprintf("%s: %v", item, err))
}

func (t *errorTally) exceeded() bool {
	return len(t.errs) >= t.max
}

func (t *errorTally) summary() error {
	if len(t.errs) == 0 {
		return nil
	}
	head := t.errs
	if len(head) > reportedErrors {
		head = head[:reportedErrors]
	}
	return fmt.Errorf("%d item errors: %s", len(t.errs), strings.Join(head, "; "))
}

// indexDocument runs the shared tail of both pipelines: dedup, chunk, embed,
// persist. It returns the number of chunks created (zero on a dedup skip).
func (w *Worker) indexDocument(ctx context.Context, doc ingest.Document, text string, meta ingest.ChunkMeta) (int, error) {
	stored, isNew, err := w.store.UpsertDocument(ctx, doc)
	if err != nil {
		return 0, fmt.Errorf("upsert document: %w", err)
	}
	if !isNew {
		metrics.ObserveDedupSkip()
		return 0, nil
	}

	chunks := chunk.Split(text, w.cfg.ChunkWindow, w.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}
	for i := range chunks {
		chunks[i].DocID = stored.ID
		chunks[i].Meta.Language = meta.Language
		chunks[i].Meta.FilePath = meta.FilePath
	}

	// An embedding failure aborts the whole chunk batch; a chunk is never
	// stored without its vector.
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if err := w.store.InsertChunks(ctx, stored.ID, chunks); err != nil {
		return 0, fmt.Errorf("insert chunks: %w", err)
	}
	metrics.ObserveChunks(len(chunks))
	return len(chunks), nil
}
