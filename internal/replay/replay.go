// Package replay tracks consumed request nonces per capability token.
// Entries expire lazily; the cache is memory-only and resets with the
// process (an accepted risk recorded in DESIGN.md).
package replay

import (
	"sync"
	"time"
)

// Cache is a TTL-bounded record of consumed (tokenID, nonce) pairs.
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewCache creates an empty cache backed by the system clock.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// NewCacheAt creates a cache with an injected time source.
func NewCacheAt(now func() time.Time) *Cache {
	return &Cache{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// IsUsed reports whether the nonce was already consumed for the token
// and is still inside its TTL window. Expired entries read as unused.
func (c *Cache) IsUsed(tokenID, nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.entries[key(tokenID, nonce)]
	if !ok {
		return false
	}
	if !c.now().Before(expiresAt) {
		delete(c.entries, key(tokenID, nonce))
		return false
	}
	return true
}

// MarkUsed records the nonce as consumed until expiresAt.
func (c *Cache) MarkUsed(tokenID, nonce string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(tokenID, nonce)] = expiresAt
}

// Prune evicts all expired entries and returns the number removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live and expired-but-unpruned entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func key(tokenID, nonce string) string {
	return tokenID + ":" + nonce
}
