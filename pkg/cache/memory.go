package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process Cache. When full, expired entries are dropped
// first, then the entry closest to expiry.
type Memory struct {
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory creates a cache holding at most maxEntries values (default 1024).
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Memory{
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]memoryEntry),
	}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evict()
	}
	m.entries[key] = memoryEntry{value: stored, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) evict() {
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) < m.maxEntries {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	delete(m.entries, oldestKey)
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Purge deletes every key starting with keyPrefix.
func (m *Memory) Purge(_ context.Context, keyPrefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if strings.HasPrefix(k, keyPrefix) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Ping implements Cache.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Cache.
func (m *Memory) Close() error { return nil }

var _ Cache = (*Memory)(nil)
