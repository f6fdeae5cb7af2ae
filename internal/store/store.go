// Package store persists the index in PostgreSQL: sources, immutable document
// versions, chunks with both a tsvector and a pgvector column, the durable job
// queue, and the governance policy.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/ingest"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements ingest.Store.
type Postgres struct {
	db     DB
	logger *zap.Logger
}

// New connects a pool to dsn, registers the pgvector codecs on every
// connection, and verifies the connection with a ping.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: pool, logger: logger}, pool, nil
}

// NewWithDB wraps an existing connection, pool, or mock.
func NewWithDB(db DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Migrate applies the embedded schema. Statements are idempotent, so running
// it on every startup is safe.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateSource registers a crawl root or repository, or bumps last_seen_at
// when the root is already known.
func (s *Postgres) CreateSource(ctx context.Context, kind ingest.SourceKind, rootLocator string) (ingest.Source, error) {
	const q = `
		INSERT INTO sources (kind, root_locator)
		VALUES ($1, $2)
		ON CONFLICT (kind, root_locator) DO UPDATE SET last_seen_at = now()
		RETURNING source_id, kind, root_locator, created_at, last_seen_at`

	var src ingest.Source
	err := s.db.QueryRow(ctx, q, string(kind), rootLocator).
		Scan(&src.ID, &src.Kind, &src.RootLocator, &src.CreatedAt, &src.LastSeenAt)
	if err != nil {
		return ingest.Source{}, fmt.Errorf("create source: %w", err)
	}
	return src, nil
}

// UpsertDocument is the dedup gate. When the active version of
// (source_id, external_id) already carries doc.ContentHash the existing row
// comes back with isNew=false and nothing is written. Otherwise the old
// version is deactivated, its chunks are dropped, and a fresh active row is
// inserted, all in one transaction.
func (s *Postgres) UpsertDocument(ctx context.Context, doc ingest.Document) (ingest.Document, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ingest.Document{}, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer s.rollback(ctx, tx)

	const sel = `
		SELECT doc_id, source_id, external_id, title, language, doc_type,
		       content_hash, size_bytes, is_active, created_at
		FROM documents
		WHERE source_id = $1 AND external_id = $2 AND is_active`

	var existing ingest.Document
	err = tx.QueryRow(ctx, sel, doc.SourceID, doc.ExternalID).Scan(
		&existing.ID, &existing.SourceID, &existing.ExternalID, &existing.Title,
		&existing.Language, &existing.DocType, &existing.ContentHash,
		&existing.SizeBytes, &existing.IsActive, &existing.CreatedAt)
	switch {
	case err == nil:
		if existing.ContentHash == doc.ContentHash {
			if err := tx.Commit(ctx); err != nil {
				return ingest.Document{}, false, fmt.Errorf("commit upsert: %w", err)
			}
			return existing, false, nil
		}
		const deactivate = `UPDATE documents SET is_active = FALSE WHERE doc_id = $1`
		if _, err := tx.Exec(ctx, deactivate, existing.ID); err != nil {
			return ingest.Document{}, false, fmt.Errorf("deactivate old version: %w", err)
		}
		const dropChunks = `DELETE FROM chunks WHERE doc_id = $1`
		if _, err := tx.Exec(ctx, dropChunks, existing.ID); err != nil {
			return ingest.Document{}, false, fmt.Errorf("drop superseded chunks: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// First version of this document.
	default:
		return ingest.Document{}, false, fmt.Errorf("select active document: %w", err)
	}

	const ins = `
		INSERT INTO documents (source_id, external_id, title, language, doc_type, content_hash, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING doc_id, source_id, external_id, title, language, doc_type,
		          content_hash, size_bytes, is_active, created_at`

	var stored ingest.Document
	err = tx.QueryRow(ctx, ins, doc.SourceID, doc.ExternalID, doc.Title,
		doc.Language, doc.DocType, doc.ContentHash, doc.SizeBytes).Scan(
		&stored.ID, &stored.SourceID, &stored.ExternalID, &stored.Title,
		&stored.Language, &stored.DocType, &stored.ContentHash,
		&stored.SizeBytes, &stored.IsActive, &stored.CreatedAt)
	if err != nil {
		// A unique violation on the active index means a concurrent writer
		// won the race for this document; hand back its row as not-new.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			s.rollback(ctx, tx)
			var winner ingest.Document
			selErr := s.db.QueryRow(ctx, sel, doc.SourceID, doc.ExternalID).Scan(
				&winner.ID, &winner.SourceID, &winner.ExternalID, &winner.Title,
				&winner.Language, &winner.DocType, &winner.ContentHash,
				&winner.SizeBytes, &winner.IsActive, &winner.CreatedAt)
			if selErr == nil {
				return winner, false, nil
			}
		}
		return ingest.Document{}, false, fmt.Errorf("insert document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ingest.Document{}, false, fmt.Errorf("commit upsert: %w", err)
	}
	return stored, true, nil
}

// InsertChunks writes a document's chunks in index order. All rows land in
// one transaction; a failure on any row leaves the document chunkless rather
// than partially indexed.
func (s *Postgres) InsertChunks(ctx context.Context, docID int64, chunks []ingest.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert chunks: %w", err)
	}
	defer s.rollback(ctx, tx)

	const ins = `
		INSERT INTO chunks (doc_id, idx, text, start_line, end_line, token_count, meta, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for _, c := range chunks {
		meta, err := json.Marshal(c.Meta)
		if err != nil {
			return fmt.Errorf("marshal chunk meta: %w", err)
		}
		var embedding any
		if len(c.Embedding) > 0 {
			embedding = pgvector.NewVector(c.Embedding)
		}
		if _, err := tx.Exec(ctx, ins, docID, c.Index, c.Text,
			c.StartLine, c.EndLine, c.TokenCount, meta, embedding); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert chunks: %w", err)
	}
	return nil
}

// CreateJob enqueues a job in the queued state.
func (s *Postgres) CreateJob(ctx context.Context, kind ingest.JobKind, params ingest.JobParams) (ingest.Job, error) {
	if err := params.Validate(kind); err != nil {
		return ingest.Job{}, fmt.Errorf("validate job params: %w", err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("marshal job params: %w", err)
	}

	const q = `
		INSERT INTO jobs (kind, state, params)
		VALUES ($1, 'queued', $2)
		RETURNING job_id, kind, state, params, progress, error_text, created_at, updated_at`

	return s.scanJob(s.db.QueryRow(ctx, q, string(kind), raw))
}

// ClaimJob flips the oldest queued job to running and returns it. The inner
// SELECT takes a row lock with SKIP LOCKED, so concurrent workers each claim
// a distinct job or see an empty queue.
func (s *Postgres) ClaimJob(ctx context.Context) (ingest.Job, error) {
	const q = `
		UPDATE jobs SET state = 'running', updated_at = now()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE state = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, kind, state, params, progress, error_text, created_at, updated_at`

	job, err := s.scanJob(s.db.QueryRow(ctx, q))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Job{}, ingest.ErrNoJob
	}
	return job, err
}

// UpdateProgress overwrites a running job's progress blob.
func (s *Postgres) UpdateProgress(ctx context.Context, jobID int64, p ingest.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	const q = `UPDATE jobs SET progress = $2, updated_at = now() WHERE job_id = $1`
	if _, err := s.db.Exec(ctx, q, jobID, raw); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// CompleteJob moves a running job to done. Completing an already-done job is
// a no-op; completing a job in any other state is an error.
func (s *Postgres) CompleteJob(ctx context.Context, jobID int64) error {
	return s.finishJob(ctx, jobID, ingest.JobDone, "")
}

// FailJob moves a running job to error with errText. Failing an already
// failed job is a no-op.
func (s *Postgres) FailJob(ctx context.Context, jobID int64, errText string) error {
	return s.finishJob(ctx, jobID, ingest.JobError, errText)
}

func (s *Postgres) finishJob(ctx context.Context, jobID int64, state ingest.JobState, errText string) error {
	const q = `
		UPDATE jobs SET state = $2, error_text = $3, updated_at = now()
		WHERE job_id = $1 AND state = 'running'`

	tag, err := s.db.Exec(ctx, q, jobID, string(state), errText)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == state {
		return nil
	}
	return fmt.Errorf("job %d is %s, not running", jobID, job.State)
}

// GetJob fetches one job by ID.
func (s *Postgres) GetJob(ctx context.Context, jobID int64) (ingest.Job, error) {
	const q = `
		SELECT job_id, kind, state, params, progress, error_text, created_at, updated_at
		FROM jobs WHERE job_id = $1`

	job, err := s.scanJob(s.db.QueryRow(ctx, q, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Job{}, ingest.ErrNotFound
	}
	return job, err
}

// ActivePolicy returns the single active governance policy.
func (s *Postgres) ActivePolicy(ctx context.Context) (ingest.Policy, error) {
	const q = `
		SELECT policy_id, allowlist, denylist, budgets, active, created_at
		FROM policies WHERE active`

	p, err := s.scanPolicy(s.db.QueryRow(ctx, q))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Policy{}, ingest.ErrNoActivePolicy
	}
	return p, err
}

// SwapPolicy deactivates the current policy and installs p as the new active
// one atomically. Running jobs keep the snapshot they started with.
func (s *Postgres) SwapPolicy(ctx context.Context, p ingest.Policy) (ingest.Policy, error) {
	budgets, err := json.Marshal(p.Budgets)
	if err != nil {
		return ingest.Policy{}, fmt.Errorf("marshal budgets: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ingest.Policy{}, fmt.Errorf("begin policy swap: %w", err)
	}
	defer s.rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `UPDATE policies SET active = FALSE WHERE active`); err != nil {
		return ingest.Policy{}, fmt.Errorf("deactivate policy: %w", err)
	}

	const ins = `
		INSERT INTO policies (allowlist, denylist, budgets, active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING policy_id, allowlist, denylist, budgets, active, created_at`

	stored, err := s.scanPolicy(tx.QueryRow(ctx, ins, p.Allowlist, p.Denylist, budgets))
	if err != nil {
		return ingest.Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ingest.Policy{}, fmt.Errorf("commit policy swap: %w", err)
	}
	return stored, nil
}

// SearchLexical ranks active-document chunks by full-text relevance.
func (s *Postgres) SearchLexical(ctx context.Context, query string, topK int) ([]ingest.ScoredChunk, error) {
	const q = `
		SELECT c.chunk_id, c.doc_id, d.external_id, d.title, c.text, c.meta,
		       ts_rank(c.ts, plainto_tsquery('english', $1)) AS score
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE d.is_active AND c.ts @@ plainto_tsquery('english', $1)
		ORDER BY score DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, q, query, topK)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return s.scanScored(rows)
}

// SearchSemantic ranks active-document chunks by cosine similarity to the
// query embedding. Chunks without an embedding never match.
func (s *Postgres) SearchSemantic(ctx context.Context, embedding []float32, topK int) ([]ingest.ScoredChunk, error) {
	const q = `
		SELECT c.chunk_id, c.doc_id, d.external_id, d.title, c.text, c.meta,
		       1 - (c.embedding <=> $1) AS score
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE d.is_active AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> $1
		LIMIT $2`

	rows, err := s.db.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return s.scanScored(rows)
}

// GetDocument returns a document and its chunks in index order.
func (s *Postgres) GetDocument(ctx context.Context, docID int64) (ingest.DocumentDetail, error) {
	const sel = `
		SELECT doc_id, source_id, external_id, title, language, doc_type,
		       content_hash, size_bytes, is_active, created_at
		FROM documents WHERE doc_id = $1`

	var detail ingest.DocumentDetail
	err := s.db.QueryRow(ctx, sel, docID).Scan(
		&detail.ID, &detail.SourceID, &detail.ExternalID, &detail.Title,
		&detail.Language, &detail.DocType, &detail.ContentHash,
		&detail.SizeBytes, &detail.IsActive, &detail.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.DocumentDetail{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.DocumentDetail{}, fmt.Errorf("select document: %w", err)
	}

	const selChunks = `
		SELECT chunk_id, doc_id, idx, text, start_line, end_line, token_count, meta
		FROM chunks WHERE doc_id = $1 ORDER BY idx`

	rows, err := s.db.Query(ctx, selChunks, docID)
	if err != nil {
		return ingest.DocumentDetail{}, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c    ingest.Chunk
			meta []byte
		)
		if err := rows.Scan(&c.ID, &c.DocID, &c.Index, &c.Text,
			&c.StartLine, &c.EndLine, &c.TokenCount, &meta); err != nil {
			return ingest.DocumentDetail{}, fmt.Errorf("scan chunk: %w", err)
		}
		if err := s.unmarshalMeta(meta, &c.Meta); err != nil {
			return ingest.DocumentDetail{}, err
		}
		detail.Chunks = append(detail.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return ingest.DocumentDetail{}, fmt.Errorf("iterate chunks: %w", err)
	}
	return detail, nil
}

// Stats summarizes corpus and queue size.
func (s *Postgres) Stats(ctx context.Context) (ingest.IndexStats, error) {
	const q = `
		SELECT
			(SELECT count(*) FROM sources),
			(SELECT count(*) FROM documents WHERE is_active),
			(SELECT count(*) FROM chunks c JOIN documents d ON d.doc_id = c.doc_id WHERE d.is_active),
			(SELECT count(*) FROM jobs WHERE state = 'queued'),
			(SELECT count(*) FROM jobs WHERE state = 'running'),
			(SELECT count(*) FROM jobs WHERE state = 'done'),
			(SELECT count(*) FROM jobs WHERE state = 'error')`

	var st ingest.IndexStats
	err := s.db.QueryRow(ctx, q).Scan(&st.Sources, &st.ActiveDocuments, &st.Chunks,
		&st.QueuedJobs, &st.RunningJobs, &st.DoneJobs, &st.ErrorJobs)
	if err != nil {
		return ingest.IndexStats{}, fmt.Errorf("select stats: %w", err)
	}
	return st, nil
}

func (s *Postgres) scanJob(row pgx.Row) (ingest.Job, error) {
	var (
		job              ingest.Job
		params, progress []byte
	)
	err := row.Scan(&job.ID, &job.Kind, &job.State, &params, &progress,
		&job.ErrorText, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Job{}, err
		}
		return ingest.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return ingest.Job{}, fmt.Errorf("unmarshal job params: %w", err)
		}
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return ingest.Job{}, fmt.Errorf("unmarshal job progress: %w", err)
		}
	}
	return job, nil
}

func (s *Postgres) scanPolicy(row pgx.Row) (ingest.Policy, error) {
	var (
		p       ingest.Policy
		budgets []byte
	)
	err := row.Scan(&p.ID, &p.Allowlist, &p.Denylist, &budgets, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Policy{}, err
		}
		return ingest.Policy{}, fmt.Errorf("scan policy: %w", err)
	}
	if len(budgets) > 0 {
		if err := json.Unmarshal(budgets, &p.Budgets); err != nil {
			return ingest.Policy{}, fmt.Errorf("unmarshal budgets: %w", err)
		}
	}
	return p, nil
}

func (s *Postgres) scanScored(rows pgx.Rows) ([]ingest.ScoredChunk, error) {
	defer rows.Close()

	var out []ingest.ScoredChunk
	for rows.Next() {
		var (
			sc   ingest.ScoredChunk
			meta []byte
		)
		if err := rows.Scan(&sc.ChunkID, &sc.DocID, &sc.URI, &sc.Title,
			&sc.Text, &meta, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		if err := s.unmarshalMeta(meta, &sc.Meta); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return out, nil
}

func (s *Postgres) unmarshalMeta(raw []byte, meta *ingest.ChunkMeta) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return fmt.Errorf("unmarshal chunk meta: %w", err)
	}
	return nil
}

func (s *Postgres) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Warn("rollback failed", zap.Error(err))
	}
}
