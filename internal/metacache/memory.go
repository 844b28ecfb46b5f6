package metacache

import (
	"sort"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// memoryTier is a bounded in-process map with per-entry expiry.
type memoryTier struct {
	mu       sync.RWMutex
	items    map[string]memoryItem
	maxItems int
	now      func() time.Time
}

func newMemoryTier(maxItems int, now func() time.Time) *memoryTier {
	return &memoryTier{
		items:    make(map[string]memoryItem),
		maxItems: maxItems,
		now:      now,
	}
}

func (m *memoryTier) get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[key]
	if !ok || m.now().After(item.expiresAt) {
		return nil, false
	}
	return item.value, true
}

func (m *memoryTier) set(key string, value []byte, storedAt time.Time, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[key]; !exists && len(m.items) >= m.maxItems {
		m.evictOldest()
	}

	m.items[key] = memoryItem{
		value:     value,
		storedAt:  storedAt,
		expiresAt: m.now().Add(ttl),
	}
}

func (m *memoryTier) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]memoryItem)
}

func (m *memoryTier) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// evictOldest drops expired entries, then the oldest 10% if still full.
// Caller holds the write lock.
func (m *memoryTier) evictOldest() {
	now := m.now()
	for key, item := range m.items {
		if now.After(item.expiresAt) {
			delete(m.items, key)
		}
	}

	if len(m.items) < m.maxItems {
		return
	}

	toRemove := m.maxItems / 10
	if toRemove < 1 {
		toRemove = 1
	}

	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return m.items[keys[i]].storedAt.Before(m.items[keys[j]].storedAt)
	})

	for _, key := range keys[:toRemove] {
		delete(m.items, key)
	}
}

func (m *memoryTier) removeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, item := range m.items {
		if now.After(item.expiresAt) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}
