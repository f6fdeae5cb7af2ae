package ingest

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared between the store and its consumers.
var (
	// ErrNoJob is returned by ClaimJob when the queue holds no queued jobs.
	ErrNoJob = errors.New("no queued job")

	// ErrNotFound is returned when a job, document, or source does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoActivePolicy is returned when no governance policy row is active.
	ErrNoActivePolicy = errors.New("no active policy")
)

// Store persists sources, documents, chunks, jobs, and the governance policy,
// and serves the retrieval primitives.
type Store interface {
	CreateSource(ctx context.Context, kind SourceKind, rootLocator string) (Source, error)

	// UpsertDocument applies the dedup short-circuit: when the latest active
	// document for (sourceID, externalID) already carries doc.ContentHash it
	// returns that row with isNew=false and the pipeline skips re-chunking.
	UpsertDocument(ctx context.Context, doc Document) (stored Document, isNew bool, err error)

	// InsertChunks persists a document's chunks in index order within one
	// transaction; either every chunk lands or none do.
	InsertChunks(ctx context.Context, docID int64, chunks []Chunk) error

	CreateJob(ctx context.Context, kind JobKind, params JobParams) (Job, error)

	// ClaimJob atomically flips one queued job to running and returns it.
	// Two workers can never claim the same job. Returns ErrNoJob when idle.
	ClaimJob(ctx context.Context) (Job, error)

	UpdateProgress(ctx context.Context, jobID int64, p Progress) error
	CompleteJob(ctx context.Context, jobID int64) error
	FailJob(ctx context.Context, jobID int64, errText string) error
	GetJob(ctx context.Context, jobID int64) (Job, error)

	ActivePolicy(ctx context.Context) (Policy, error)
	SwapPolicy(ctx context.Context, p Policy) (Policy, error)

	SearchLexical(ctx context.Context, query string, topK int) ([]ScoredChunk, error)
	SearchSemantic(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error)

	GetDocument(ctx context.Context, docID int64) (DocumentDetail, error)
	Stats(ctx context.Context) (IndexStats, error)
}

// Page is the result of fetching one URL.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves a URL's raw bytes. Implementations own their timeouts.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Embedder turns text into fixed-length vectors via an external provider.
// EmbedBatch preserves input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Governor gates outbound requests: robots.txt compliance and per-host pacing.
type Governor interface {
	// CheckRobots is fail-open: fetch or parse trouble yields true, only an
	// explicit disallow rule yields false.
	CheckRobots(ctx context.Context, rawURL string) bool

	// AcquireSlot blocks until the host's pacing budget admits one request,
	// or the context ends.
	AcquireSlot(ctx context.Context, host string) error
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}
