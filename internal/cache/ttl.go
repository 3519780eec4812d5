package cache

import (
	"sync"
	"time"
)

// Cache is a process-scoped key/value cache with per-entry expiry. It is
// an interface so a distributed deployment can swap in an external cache
// without touching callers.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	Purge()
}

type entry struct {
	value     any
	expiresAt time.Time
}

// TTLCache is the in-memory Cache implementation. Expired entries are
// dropped lazily on read and swept wholesale by an optional janitor.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]entry

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// NewTTLCache creates an empty cache. If sweepInterval > 0 a background
// janitor evicts expired entries on that cadence; Close stops it.
func NewTTLCache(sweepInterval time.Duration) *TTLCache {
	c := &TTLCache{
		entries:     make(map[string]entry),
		stopJanitor: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.janitor(sweepInterval)
	}
	return c
}

// Get returns the live value for key, if any
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. Non-positive ttl stores nothing.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes key
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge removes all entries
func (c *TTLCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor goroutine, if running
func (c *TTLCache) Close() {
	c.janitorOnce.Do(func() { close(c.stopJanitor) })
}

func (c *TTLCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopJanitor:
			return
		}
	}
}
