package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const DefaultMemorySize = 1024

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process LRU cache with per-entry expiry.
type Memory struct {
	entries *lru.Cache
	now     func() time.Time
}

func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Memory{entries: entries, now: time.Now}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	cached, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	entry := cached.(memoryEntry)
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value until ttl has passed. A ttl of zero never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.entries.Add(key, entry)
	return nil
}

func (m *Memory) Len() int {
	return m.entries.Len()
}
