// Package ingest defines the core types and interfaces shared across the
// ingestion pipeline and the retrieval engine.
package ingest

import (
	"errors"
	"fmt"
	"time"
)

// SourceKind identifies where a source's content comes from.
type SourceKind string

// Source kinds persisted in the sources table.
const (
	SourceWeb        SourceKind = "web"
	SourceFilesystem SourceKind = "filesystem"
	SourceGitRepo    SourceKind = "git_repo"
)

// Source is a crawl root or repository registered once per distinct root.
type Source struct {
	ID          int64      `json:"source_id"`
	Kind        SourceKind `json:"kind"`
	RootLocator string     `json:"root_locator"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
}

// Document is one ingested unit of content. Rows are immutable; a re-fetch
// with a new content hash inserts a fresh row and deactivates the old one.
type Document struct {
	ID          int64     `json:"doc_id"`
	SourceID    int64     `json:"source_id"`
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title,omitempty"`
	Language    string    `json:"language,omitempty"`
	DocType     string    `json:"doc_type,omitempty"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkMeta carries the structural context captured at chunking time.
type ChunkMeta struct {
	HeadingPath []string `json:"heading_path,omitempty"`
	Language    string   `json:"language,omitempty"`
	FilePath    string   `json:"file_path,omitempty"`
}

// Chunk is a contiguous slice of a document's normalized text.
// Line numbers are 1-based and inclusive.
type Chunk struct {
	ID         int64     `json:"chunk_id"`
	DocID      int64     `json:"doc_id"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	StartLine  int       `json:"start_line"`
	EndLine    int       `json:"end_line"`
	TokenCount int       `json:"token_count"`
	Meta       ChunkMeta `json:"meta"`
	Embedding  []float32 `json:"-"`
}

// JobKind selects the ingestion pipeline a job runs through.
type JobKind string

// Job kinds accepted at the queue boundary.
const (
	JobCrawl      JobKind = "crawl"
	JobRepoIngest JobKind = "repo_ingest"
)

// JobState is the lifecycle state of an ingestion job.
type JobState string

// Job states persisted in the jobs table.
const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobError   JobState = "error"
)

// CrawlParams configures a web crawl job.
type CrawlParams struct {
	SeedURLs []string `json:"seed_urls"`
	MaxPages int      `json:"max_pages,omitempty"`
	MaxDepth int      `json:"max_depth,omitempty"`
}

// RepoParams configures a repository ingest job. Exactly one of RepoURL
// (cloned to a temp dir) or Path (walked in place) must be set.
type RepoParams struct {
	RepoURL  string   `json:"repo_url,omitempty"`
	Path     string   `json:"path,omitempty"`
	Include  []string `json:"include,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
	MaxFiles int      `json:"max_files,omitempty"`
}

// JobParams is the tagged payload for a job; the populated branch must match
// the job kind.
type JobParams struct {
	Crawl *CrawlParams `json:"crawl,omitempty"`
	Repo  *RepoParams  `json:"repo,omitempty"`
}

// Validate checks that the params branch matches kind and is usable.
func (p JobParams) Validate(kind JobKind) error {
	switch kind {
	case JobCrawl:
		if p.Crawl == nil {
			return errors.New("crawl job requires crawl params")
		}
		if len(p.Crawl.SeedURLs) == 0 {
			return errors.New("crawl job requires at least one seed URL")
		}
	case JobRepoIngest:
		if p.Repo == nil {
			return errors.New("repo_ingest job requires repo params")
		}
		if p.Repo.RepoURL == "" && p.Repo.Path == "" {
			return errors.New("repo_ingest job requires repo_url or path")
		}
		if p.Repo.RepoURL != "" && p.Repo.Path != "" {
			return errors.New("repo_ingest job accepts repo_url or path, not both")
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	return nil
}

// Progress tracks per-job counters. Counters only grow; a lost progress
// write is harmless observability noise, never a correctness issue.
type Progress struct {
	PagesCrawled  int    `json:"pages_crawled,omitempty"`
	FilesIngested int    `json:"files_ingested,omitempty"`
	ChunksCreated int    `json:"chunks_created,omitempty"`
	CurrentItem   string `json:"current_item,omitempty"`
}

// Job is the unit of ingestion work pulled from the durable queue.
type Job struct {
	ID        int64     `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	State     JobState  `json:"state"`
	Params    JobParams `json:"params"`
	Progress  Progress  `json:"progress"`
	ErrorText string    `json:"error_text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Budgets bounds one job's resource consumption.
type Budgets struct {
	MaxPagesPerJob int `json:"max_pages_per_job" mapstructure:"max_pages_per_job"`
	MaxDepth       int `json:"max_depth" mapstructure:"max_depth"`
	RatePerDomain  int `json:"rate_per_domain" mapstructure:"rate_per_domain"`
}

// Policy is the governance record gating every crawl. Exactly one row is
// active at a time; it is swapped whole, never mutated in place.
type Policy struct {
	ID        int64     `json:"policy_id"`
	Allowlist []string  `json:"allowlist"`
	Denylist  []string  `json:"denylist"`
	Budgets   Budgets   `json:"budgets"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchMode selects the ranking path for a query.
type SearchMode string

// Search modes exposed by the retrieval API.
const (
	ModeHybrid  SearchMode = "hybrid"
	ModeLexical SearchMode = "lexical"
)

// ScoredChunk is a raw ranking row from one retrieval primitive.
type ScoredChunk struct {
	ChunkID int64
	DocID   int64
	URI     string
	Title   string
	Text    string
	Score   float64
	Meta    ChunkMeta
}

// SearchResult is one ranked hit returned to callers.
type SearchResult struct {
	ChunkID int64      `json:"chunk_id"`
	DocID   int64      `json:"doc_id"`
	URI     string     `json:"uri"`
	Title   string     `json:"title,omitempty"`
	Snippet string     `json:"snippet"`
	Score   float64    `json:"score"`
	Meta    ChunkMeta  `json:"meta"`
	Mode    SearchMode `json:"-"`
}

// DocumentDetail is a document plus its chunks in index order.
type DocumentDetail struct {
	Document
	Chunks []Chunk `json:"chunks"`
}

// IndexStats summarizes corpus size for the stats endpoint.
type IndexStats struct {
	Sources         int64 `json:"sources"`
	ActiveDocuments int64 `json:"documents"`
	Chunks          int64 `json:"chunks"`
	QueuedJobs      int64 `json:"queued_jobs"`
	RunningJobs     int64 `json:"running_jobs"`
	DoneJobs        int64 `json:"done_jobs"`
	ErrorJobs       int64 `json:"error_jobs"`
}
