package cache

import (
	"sync"
	"time"
)

// Local is the in-process tier: a concurrent-safe map whose entries carry
// their own expiry. Expired entries are invisible to Get and are removed by
// Sweep.
type Local struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	now     func() time.Time
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

// NewLocal creates an empty Local tier.
func NewLocal() *Local {
	return &Local{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

// Get returns the value at key if present and not expired.
func (l *Local) Get(key string) (string, bool) {
	l.mu.RLock()
	entry, ok := l.entries[key]
	l.mu.RUnlock()

	if !ok || !l.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

// Set stores value at key for ttl. A non-positive ttl deletes the key.
func (l *Local) Set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		l.Delete(key)
		return
	}

	l.mu.Lock()
	l.entries[key] = localEntry{value: value, expiresAt: l.now().Add(ttl)}
	l.mu.Unlock()
}

// Delete removes keys.
func (l *Local) Delete(keys ...string) {
	l.mu.Lock()
	for _, k := range keys {
		delete(l.entries, k)
	}
	l.mu.Unlock()
}

// Sweep removes expired entries and returns how many were removed.
func (l *Local) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, entry := range l.entries {
		if !now.Before(entry.expiresAt) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
