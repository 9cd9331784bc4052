package knowledge

import (
	"encoding/json"
	"sync"
	"time"
)

const DefaultCacheTTL = time.Hour

// searchCache memoizes search results by query+filters with lazy TTL expiry
type searchCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	results   []SearchResult
	expiresAt time.Time
}

func newSearchCache(ttl time.Duration) *searchCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &searchCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(query string, topK int, minScore float64, filters Filters) string {
	key := struct {
		Query    string  `json:"q"`
		TopK     int     `json:"k"`
		MinScore float64 `json:"s"`
		Filters  Filters `json:"f"`
	}{query, topK, minScore, filters}
	data, _ := json.Marshal(key)
	return string(data)
}

func (c *searchCache) get(key string) ([]SearchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.results, true
}

func (c *searchCache) put(key string, results []SearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		results:   results,
		expiresAt: c.now().Add(c.ttl),
	}
}

func (c *searchCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *searchCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
