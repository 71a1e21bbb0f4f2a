// Package deadurl remembers URLs confirmed permanently gone so they are not
// fetched again while the entry is fresh.
package deadurl

import (
	"sync"
	"time"

	"github.com/LocalNewsImpact/newscrawler/internal/clock/system"
	"github.com/LocalNewsImpact/newscrawler/internal/crawler"
)

// DefaultTTL is used when Config.TTL is unset.
const DefaultTTL = 7 * 24 * time.Hour

// Reason explains why a URL was cached.
type Reason string

// ReasonNotFound marks 404/410 and site-specific gone pages.
const ReasonNotFound Reason = "not_found"

// Entry is a cached verdict.
type Entry struct {
	URL      string        `json:"url"`
	Reason   Reason        `json:"reason"`
	CachedAt time.Time     `json:"cached_at"`
	TTL      time.Duration `json:"ttl"`
}

// ExpiresAt returns when the entry stops applying.
func (e Entry) ExpiresAt() time.Time {
	return e.CachedAt.Add(e.TTL)
}

// Config controls retention.
type Config struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// Cache is a TTL map keyed by normalized URL. It is safe for concurrent use.
type Cache struct {
	ttl   time.Duration
	max   int
	clock crawler.Clock

	mu      sync.Mutex
	entries map[string]Entry
}

// New builds a Cache. A nil clock uses wall time.
func New(cfg Config, clock crawler.Clock) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if clock == nil {
		clock = system.New()
	}
	return &Cache{
		ttl:     cfg.TTL,
		max:     cfg.MaxEntries,
		clock:   clock,
		entries: make(map[string]Entry),
	}
}

// Lookup returns the live entry for rawURL. Expired entries are evicted.
func (c *Cache) Lookup(rawURL string) (Entry, bool) {
	key := cacheKey(rawURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !c.clock.Now().Before(e.ExpiresAt()) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return e, true
}

// Put inserts or refreshes an entry.
func (c *Cache) Put(rawURL string, reason Reason) Entry {
	key := cacheKey(rawURL)
	e := Entry{URL: rawURL, Reason: reason, CachedAt: c.clock.Now(), TTL: c.ttl}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && c.max > 0 && len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[key] = e
	return e
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt()) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if oldestKey == "" || e.CachedAt.Before(oldest) {
			oldestKey, oldest = k, e.CachedAt
		}
	}
	delete(c.entries, oldestKey)
}

func cacheKey(rawURL string) string {
	if n, err := crawler.NormalizeURL(rawURL); err == nil {
		return n
	}
	return rawURL
}
