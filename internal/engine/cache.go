package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emberworks/hearth/pkg/backend"
)

// responseCache stores fully-realized completions keyed by a digest of the
// model, the normalized prompt, and the generation options. Bounded by entry
// count and TTL. Expired entries are retained (up to the count bound) so they
// can be served as a last resort during a full outage.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	max     int

	hits   uint64
	misses uint64

	now func() time.Time
}

type cacheEntry struct {
	response backend.Response
	storedAt time.Time
	lastUsed time.Time
}

func newResponseCache(ttl time.Duration, maxEntries int) *responseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &responseCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		max:     maxEntries,
		now:     time.Now,
	}
}

// cacheKey digests the request into a stable key. Prompt whitespace is
// normalized so trivially reformatted prompts share an entry.
func cacheKey(req backend.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%.3f|%d|%s\x1f", req.Model, req.Temperature, req.MaxTokens, normalize(req.SystemPrompt))
	for _, m := range req.Messages {
		fmt.Fprintf(h, "%s:%s\x1f", m.Role, normalize(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// get returns a fresh cached response. Expired entries miss.
func (c *responseCache) get(key string) (*backend.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.storedAt) > c.ttl {
		c.misses++
		return nil, false
	}
	entry.lastUsed = c.now()
	c.hits++
	resp := entry.response
	return &resp, true
}

// getStale returns a cached response regardless of TTL. Used only when every
// model in a chain is down and stale serving is enabled.
func (c *responseCache) getStale(key string) (*backend.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry.lastUsed = c.now()
	resp := entry.response
	return &resp, true
}

// put stores a completion, evicting the least recently used entry when the
// count bound is reached.
func (c *responseCache) put(key string, resp backend.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}
	now := c.now()
	c.entries[key] = &cacheEntry{response: resp, storedAt: now, lastUsed: now}
}

func (c *responseCache) evictOldest() {
	var (
		oldestKey  string
		oldestUsed time.Time
	)
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastUsed.Before(oldestUsed) {
			oldestKey = key
			oldestUsed = entry.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// stats reports hit/miss counters for metrics.
func (c *responseCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
