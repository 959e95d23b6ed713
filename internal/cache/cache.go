// Package cache stores per-domain traffic lookups with a TTL so repeat
// enrichments within the TTL skip the paid provider call.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

// Cache is a keyed TTL store of TrafficRecords. Set always replaces.
type Cache interface {
	// Get returns the stored record and true, or false on a miss or expired entry.
	Get(ctx context.Context, domainName string) (domain.TrafficRecord, bool, error)
	Set(ctx context.Context, record domain.TrafficRecord, ttl time.Duration) error
}

// Entry is one cached record and its expiry.
type Entry struct {
	Record    domain.TrafficRecord `json:"record"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Expired reports whether the entry is unusable at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Key normalizes a domain into a cache key.
func Key(domainName string) string {
	return strings.ToLower(strings.TrimSpace(domainName))
}

// MemoryCache is an in-process Cache guarded by an RWMutex.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache. now may be nil.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		entries: make(map[string]Entry),
		now:     now,
	}
}

// Get implements Cache. Expired entries are evicted on read.
func (c *MemoryCache) Get(_ context.Context, domainName string) (domain.TrafficRecord, bool, error) {
	key := Key(domainName)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return domain.TrafficRecord{}, false, nil
	}

	if entry.Expired(c.now()) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && current.ExpiresAt.Equal(entry.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return domain.TrafficRecord{}, false, nil
	}

	return entry.Record.Clone(), true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, record domain.TrafficRecord, ttl time.Duration) error {
	entry := Entry{
		Record:    record.Clone(),
		ExpiresAt: c.now().Add(ttl),
	}

	c.mu.Lock()
	c.entries[Key(record.Domain)] = entry
	c.mu.Unlock()
	return nil
}

// Put stores an entry with an explicit expiry. Used to seed the cache.
func (c *MemoryCache) Put(entry Entry) {
	c.mu.Lock()
	c.entries[Key(entry.Record.Domain)] = entry
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge drops expired entries and returns how many were removed.
func (c *MemoryCache) Purge() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
