package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache is a bounded, thread-safe in-memory cache whose entries expire a fixed
// duration after they were written. It is a thin typed wrapper over otter so
// callers do not depend on the otter options surface directly.
type Cache[K comparable, V any] struct {
	c        *otter.Cache[K, V] // Underlying otter cache (size bound + write expiry)
	duration time.Duration      // Expiration duration for each cache entry
}

// New creates and returns a new Cache holding at most size entries, each
// valid for duration after it was written.
//
// Parameters:
//   - size: maximum number of entries before otter starts evicting
//   - duration: how long entries are considered valid before expiring
//
// Returns:
//   - *Cache: pointer to a new Cache object
func New[K comparable, V any](size int, duration time.Duration) *Cache[K, V] {
	if size <= 0 {
		size = 1024
	}
	if duration <= 0 {
		duration = 10 * time.Minute
	}

	return &Cache[K, V]{
		c: otter.Must(&otter.Options[K, V]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[K, V](duration),
		}),
		duration: duration,
	}
}

// Get retrieves a value by key.
//
// Behavior:
//   - If the key exists and the entry has not expired → returns the value and true.
//   - If the key is missing or expired → returns the zero value and false.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.c.GetIfPresent(key)
}

// Set stores a value, resetting its expiry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.c.Set(key, value)
}

// Delete removes a single entry.
func (c *Cache[K, V]) Delete(key K) {
	c.c.Invalidate(key)
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.c.InvalidateAll()
}

// Len returns the approximate number of live entries.
func (c *Cache[K, V]) Len() int {
	return c.c.EstimatedSize()
}

// Duration returns the configured entry lifetime.
func (c *Cache[K, V]) Duration() time.Duration {
	return c.duration
}
