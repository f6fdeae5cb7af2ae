package search

import (
	"fmt"
	"sync"
	"time"

	"github.com/radlabs/rad-crawler/internal/ingest"
)

// queryCache memoizes search results per (query, topK, mode) for a fixed TTL.
// Expired entries are dropped lazily on access.
type queryCache struct {
	ttl   time.Duration
	clock ingest.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	hits      []ingest.SearchResult
	expiresAt time.Time
}

func newQueryCache(ttl time.Duration, clock ingest.Clock) *queryCache {
	return &queryCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(query string, topK int, mode ingest.SearchMode) string {
	return fmt.Sprintf("%s|%d|%s", query, topK, mode)
}

func (c *queryCache) get(query string, topK int, mode ingest.SearchMode) ([]ingest.SearchResult, bool) {
	key := cacheKey(query, topK, mode)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.hits, true
}

func (c *queryCache) put(query string, topK int, mode ingest.SearchMode, hits []ingest.SearchResult) {
	key := cacheKey(query, topK, mode)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Sweep whatever has expired while we hold the lock; the entry count is
	// bounded by distinct queries within one TTL window.
	now := c.clock.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{hits: hits, expiresAt: now.Add(c.ttl)}
}
