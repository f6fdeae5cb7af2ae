// Package search merges the lexical and semantic retrieval primitives into
// ranked results and memoizes recent queries.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/ingest"
	"github.com/radlabs/rad-crawler/internal/metrics"
)

// Hybrid ranking weights. Semantic similarity dominates; full-text rank
// breaks ties and rewards exact term matches.
const (
	semanticWeight = 0.6
	lexicalWeight  = 0.4

	snippetLength = 200

	// DefaultTopK applies when the caller does not bound the result set.
	DefaultTopK = 10

	// DefaultCacheTTL is how long a query's results stay memoized.
	DefaultCacheTTL = time.Minute
)

// Engine serves search queries over the store's retrieval primitives.
type Engine struct {
	store    ingest.Store
	embedder ingest.Embedder
	clock    ingest.Clock
	logger   *zap.Logger
	cache    *queryCache
}

// New builds an Engine. A ttl of zero uses DefaultCacheTTL.
func New(store ingest.Store, embedder ingest.Embedder, clock ingest.Clock, ttl time.Duration, logger *zap.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		clock:    clock,
		logger:   logger,
		cache:    newQueryCache(ttl, clock),
	}
}

// Search runs a query in the given mode. Hybrid mode scores the union of
// both primitives as 0.6*semantic + 0.4*lexical, with a missing term scoring
// zero; when the query embedding cannot be produced it degrades to
// lexical-only ranking instead of failing.
func (e *Engine) Search(ctx context.Context, query string, topK int, mode ingest.SearchMode) ([]ingest.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if mode == "" {
		mode = ingest.ModeHybrid
	}

	if hits, ok := e.cache.get(query, topK, mode); ok {
		return hits, nil
	}

	start := time.Now()
	var (
		hits []ingest.SearchResult
		err  error
	)
	switch mode {
	case ingest.ModeLexical:
		hits, err = e.lexical(ctx, query, topK)
	case ingest.ModeHybrid:
		hits, err = e.hybrid(ctx, query, topK)
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	metrics.ObserveSearch(string(mode), time.Since(start))

	e.cache.put(query, topK, mode, hits)
	return hits, nil
}

func (e *Engine) lexical(ctx context.Context, query string, topK int) ([]ingest.SearchResult, error) {
	scored, err := e.store.SearchLexical(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return toResults(scored, topK, ingest.ModeLexical), nil
}

func (e *Engine) hybrid(ctx context.Context, query string, topK int) ([]ingest.SearchResult, error) {
	// Over-fetch each primitive so the merged ranking has enough candidates.
	fetchK := topK * 2

	lexical, err := e.store.SearchLexical(ctx, query, fetchK)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding failed; degrading to lexical ranking",
			zap.String("query", query), zap.Error(err))
		return toResults(lexical, topK, ingest.ModeHybrid), nil
	}

	semantic, err := e.store.SearchSemantic(ctx, embedding, fetchK)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	merged := mergeHybrid(semantic, lexical)
	return toResults(merged, topK, ingest.ModeHybrid), nil
}

// mergeHybrid combines the two rankings over the union of their chunks.
// A chunk absent from one ranking contributes zero for that term.
func mergeHybrid(semantic, lexical []ingest.ScoredChunk) []ingest.ScoredChunk {
	byChunk := make(map[int64]ingest.ScoredChunk, len(semantic)+len(lexical))

	for _, sc := range semantic {
		sc.Score = semanticWeight * sc.Score
		byChunk[sc.ChunkID] = sc
	}
	for _, sc := range lexical {
		if existing, ok := byChunk[sc.ChunkID]; ok {
			existing.Score += lexicalWeight * sc.Score
			byChunk[sc.ChunkID] = existing
			continue
		}
		sc.Score = lexicalWeight * sc.Score
		byChunk[sc.ChunkID] = sc
	}

	merged := make([]ingest.ScoredChunk, 0, len(byChunk))
	for _, sc := range byChunk {
		merged = append(merged, sc)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ChunkID < merged[j].ChunkID
	})
	return merged
}

func toResults(scored []ingest.ScoredChunk, topK int, mode ingest.SearchMode) []ingest.SearchResult {
	if len(scored) > topK {
		scored = scored[:topK]
	}
	results := make([]ingest.SearchResult, 0, len(scored))
	for _, sc := range scored {
		results = append(results, ingest.SearchResult{
			ChunkID: sc.ChunkID,
			DocID:   sc.DocID,
			URI:     sc.URI,
			Title:   sc.Title,
			Snippet: snippet(sc.Text),
			Score:   sc.Score,
			Meta:    sc.Meta,
			Mode:    mode,
		})
	}
	return results
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetLength {
		return text
	}
	return string(runes[:snippetLength])
}
