package services

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EntryLockManager hands out one mutex per key so that writes to different
// stock entries never wait on each other.
type EntryLockManager struct {
	locks    map[string]*entryLock
	locksMux sync.Mutex
}

// entryLock counts the goroutines holding or waiting for it; a lock with
// refs > 0 is never removed from the map.
type entryLock struct {
	sync.Mutex
	refs int
}

func NewEntryLockManager() *EntryLockManager {
	return &EntryLockManager{
		locks: make(map[string]*entryLock),
	}
}

// acquire returns the lock for key, creating it on first use, and takes a
// reference on it.
func (m *EntryLockManager) acquire(key string) *entryLock {
	m.locksMux.Lock()
	defer m.locksMux.Unlock()

	lock, exists := m.locks[key]
	if !exists {
		lock = &entryLock{}
		m.locks[key] = lock
		zap.L().Debug("Created new entry lock", zap.String("key", key))
	}
	lock.refs++
	return lock
}

func (m *EntryLockManager) release(lock *entryLock) {
	m.locksMux.Lock()
	lock.refs--
	m.locksMux.Unlock()
}

// WithEntryWriteLock runs fn while holding the lock for key.
func (m *EntryLockManager) WithEntryWriteLock(key string, fn func()) {
	start := time.Now()
	lock := m.acquire(key)
	defer m.release(lock)

	lock.Lock()
	defer lock.Unlock()

	fn()

	zap.L().Debug("Entry write operation completed",
		zap.String("key", key),
		zap.Duration("duration", time.Since(start)))
}

// GetLockStats returns statistics about the lock manager
func (m *EntryLockManager) GetLockStats() map[string]interface{} {
	m.locksMux.Lock()
	defer m.locksMux.Unlock()

	inUse := 0
	for _, lock := range m.locks {
		if lock.refs > 0 {
			inUse++
		}
	}
	return map[string]interface{}{
		"total_entry_locks": len(m.locks),
		"in_use_locks":      inUse,
		"lock_manager_type": "fine_grained_per_entry",
	}
}

// CleanupUnusedLocks drops idle locks whose keys are not in active. Locks
// that are held or awaited stay.
func (m *EntryLockManager) CleanupUnusedLocks(active map[string]bool) int {
	m.locksMux.Lock()
	defer m.locksMux.Unlock()

	removed := 0
	for key, lock := range m.locks {
		if lock.refs == 0 && !active[key] {
			delete(m.locks, key)
			removed++
		}
	}

	if removed > 0 {
		zap.L().Info("Cleaned up unused entry locks",
			zap.Int("removed_locks", removed),
			zap.Int("remaining_locks", len(m.locks)))
	}
	return removed
}
