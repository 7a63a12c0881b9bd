package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"RelayChat/internal/session"
)

// CachedResponse represents a cached API response
type CachedResponse[V any] struct {
	Response  V
	Timestamp time.Time
}

// Cache is a TTL cache with a bound on the number of entries. Expired entries
// keep their slot until overwritten or pushed out; when full, the oldest key goes.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]CachedResponse[V]
	order      []string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New creates a cache. A non-positive maxEntries means unbounded.
func New[V any](ttl time.Duration, maxEntries int) *Cache[V] {
	return &Cache[V]{
		entries:    make(map[string]CachedResponse[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached value if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.Timestamp) > c.ttl {
		return zero, false
	}
	return e.Response, true
}

// Store saves value under key.
func (c *Cache[V]) Store(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = CachedResponse[V]{Response: value, Timestamp: c.now()}

	for c.maxEntries > 0 && len(c.entries) > c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len returns the number of entries, including expired ones not yet replaced.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GenerateCacheKey generates a cache key from a scope (deployment and
// generation parameters) and the messages
func GenerateCacheKey(scope string, messages []session.Message) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
