package activity

import (
	"sync"
	"time"
)

type cacheEntry struct {
	status     Status
	computedAt time.Time
}

// statusCache holds per-session results for ttl. Expired entries read as absent
// and are evicted on the next lookup.
type statusCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newStatusCache(ttl time.Duration, now func() time.Time) *statusCache {
	if now == nil {
		now = time.Now
	}
	return &statusCache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

func (c *statusCache) get(sessionID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.computedAt) >= c.ttl {
		delete(c.entries, sessionID)
		return "", false
	}
	return entry.status, true
}

func (c *statusCache) put(sessionID string, status Status) {
	c.mu.Lock()
	c.entries[sessionID] = cacheEntry{status: status, computedAt: c.now()}
	c.mu.Unlock()
}

func (c *statusCache) remove(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

func (c *statusCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
