// Package fieldcache memoizes decrypted field values process-wide, keyed by
// the owning record's stable key. A Cache is constructed once at startup and
// handed to the stores that need it; entries are invalidated synchronously
// before any write to the owning record completes, so a later read in the
// same process never observes stale plaintext. No cross-process coherency is
// provided or assumed.
package fieldcache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultSize = 1000
	defaultTTL  = 10 * time.Minute
)

// Cache holds decrypted plaintext keyed by record key.
type Cache struct {
	lru *expirable.LRU[string, []byte]
}

// New returns a cache with the given capacity and entry TTL. Non-positive
// arguments fall back to the defaults (1000 entries, 10 minutes).
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = defaultSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// GetOrFill returns the cached plaintext for key, calling fill on a miss and
// caching its result. fill errors are returned as-is and nothing is cached.
func (c *Cache) GetOrFill(key string, fill func() ([]byte, error)) ([]byte, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := fill()
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// Invalidate drops the entry for key. It must be called before a write to
// the owning record's encrypted field is considered complete.
func (c *Cache) Invalidate(key string) {
	c.lru.Remove(key)
}

// Len reports the number of live entries, for the ops surface.
func (c *Cache) Len() int { return c.lru.Len() }
