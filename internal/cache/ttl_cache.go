package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock supplies the time used for expiry decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// CacheEntry represents a cached item with expiration time
type CacheEntry struct {
	Value     interface{}
	ExpiresAt time.Time
}

// TTLCache implements a thread-safe cache with TTL (Time To Live) functionality
type TTLCache struct {
	items         map[string]*CacheEntry
	mutex         sync.RWMutex
	ttl           time.Duration
	clock         Clock
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewTTLCache creates a cache whose entries live for ttl as measured by clock.
// A nil clock uses the wall clock. A cleanupInterval of zero disables the
// background sweep; expired entries are then only hidden, not removed.
func NewTTLCache(ttl, cleanupInterval time.Duration, clock Clock) *TTLCache {
	if clock == nil {
		clock = systemClock{}
	}
	cache := &TTLCache{
		items:       make(map[string]*CacheEntry),
		ttl:         ttl,
		clock:       clock,
		stopCleanup: make(chan struct{}),
	}

	if cleanupInterval > 0 {
		cache.cleanupTicker = time.NewTicker(cleanupInterval)
		go cache.cleanupExpiredEntries()
	}

	zap.L().Info("TTL cache initialized",
		zap.Duration("ttl", ttl),
		zap.Duration("cleanup_interval", cleanupInterval))

	return cache
}

// Set stores a value in the cache with TTL
func (c *TTLCache) Set(key string, value interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	expiresAt := c.clock.Now().Add(c.ttl)
	c.items[key] = &CacheEntry{
		Value:     value,
		ExpiresAt: expiresAt,
	}

	zap.L().Debug("Cache entry set",
		zap.String("key", key),
		zap.Time("expires_at", expiresAt))
}

// Get retrieves a value from the cache if it exists and hasn't expired
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[key]
	if !exists {
		return nil, false
	}

	if !c.clock.Now().Before(entry.ExpiresAt) {
		zap.L().Debug("Cache entry expired", zap.String("key", key))
		return nil, false
	}

	return entry.Value, true
}

// Delete removes a specific key from the cache
func (c *TTLCache) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
}

// Size returns the current number of items in the cache (including expired ones)
func (c *TTLCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.items)
}

// ActiveSize returns the number of non-expired items in the cache
func (c *TTLCache) ActiveSize() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.clock.Now()
	activeCount := 0
	for _, entry := range c.items {
		if now.Before(entry.ExpiresAt) {
			activeCount++
		}
	}
	return activeCount
}

// Clear removes all items from the cache
func (c *TTLCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	itemCount := len(c.items)
	c.items = make(map[string]*CacheEntry)

	zap.L().Info("Cache cleared", zap.Int("removed_items", itemCount))
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *TTLCache) Stop() {
	c.stopOnce.Do(func() {
		if c.cleanupTicker != nil {
			c.cleanupTicker.Stop()
		}
		close(c.stopCleanup)
		zap.L().Info("TTL cache stopped")
	})
}

func (c *TTLCache) cleanupExpiredEntries() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.Purge()
		case <-c.stopCleanup:
			return
		}
	}
}

// Purge removes expired entries and returns how many were dropped.
func (c *TTLCache) Purge() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, entry := range c.items {
		if !now.Before(entry.ExpiresAt) {
			delete(c.items, key)
			removed++
		}
	}

	if removed > 0 {
		zap.L().Debug("Cache cleanup completed",
			zap.Int("expired_entries", removed),
			zap.Int("remaining_entries", len(c.items)))
	}
	return removed
}

// GetStats returns cache statistics
func (c *TTLCache) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.clock.Now()
	activeCount := 0
	expiredCount := 0

	for _, entry := range c.items {
		if now.Before(entry.ExpiresAt) {
			activeCount++
		} else {
			expiredCount++
		}
	}

	return map[string]interface{}{
		"total_entries":   len(c.items),
		"active_entries":  activeCount,
		"expired_entries": expiredCount,
		"ttl_duration":    c.ttl.String(),
	}
}
