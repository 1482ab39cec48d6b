package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process Store with a fixed TTL and a hard capacity. When
// full, the oldest inserted key is evicted first.
type Memory[V any] struct {
	ttl      time.Duration
	capacity int
	lru      *expirable.LRU[string, V]
}

// NewMemory builds a Memory store. ttl <= 0 defaults to 30s; capacity <= 0
// defaults to 1024.
func NewMemory[V any](ttl time.Duration, capacity int) *Memory[V] {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory[V]{
		ttl:      ttl,
		capacity: capacity,
		lru:      expirable.NewLRU[string, V](capacity, nil, ttl),
	}
}

// Get implements Store. Reads use Peek so a hit never changes eviction
// order: the queue stays in insertion order.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	v, ok := m.lru.Peek(key)
	return v, ok, nil
}

// Set implements Store. Re-setting a key refreshes its TTL and its position
// in the eviction queue.
func (m *Memory[V]) Set(_ context.Context, key string, v V) error {
	m.lru.Add(key, v)
	return nil
}

// Invalidate implements Store.
func (m *Memory[V]) Invalidate(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

// Len returns the number of held entries.
func (m *Memory[V]) Len() int {
	return m.lru.Len()
}
