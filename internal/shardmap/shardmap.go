// Package shardmap provides a string-keyed map split across independently
// locked shards so that unrelated keys do not contend on one mutex.
package shardmap

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a concurrency-safe map from string keys to V.
type Map[V any] struct {
	shards []*shard[V]
}

// New creates a Map with n shards.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{shards: make([]*shard[V], n)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Load returns the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// View calls fn with the value stored under key while holding the shard's
// read lock. fn must not call back into the Map.
func (m *Map[V]) View(key string, fn func(value V, exists bool)) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	fn(v, ok)
}

// Store sets the value for key, returning the previous value if any.
func (m *Map[V]) Store(key string, value V) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.items[key]
	s.items[key] = value
	return prev, ok
}

// LoadAndDelete removes key and returns the value it held.
func (m *Map[V]) LoadAndDelete(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// Compute atomically replaces the value for key with fn's result. When fn
// returns keep=false the key is removed. fn runs under the shard lock and
// must not call back into the Map.
func (m *Map[V]) Compute(key string, fn func(current V, exists bool) (next V, keep bool)) V {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.items[key]
	next, keep := fn(current, exists)
	if keep {
		s.items[key] = next
	} else {
		delete(s.items, key)
	}
	return next
}

// Range calls fn for every entry until fn returns false. Each shard is
// read-locked only while it is being visited, so the walk is not a global
// snapshot.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		entries := make([]struct {
			key   string
			value V
		}, 0, len(s.items))
		for k, v := range s.items {
			entries = append(entries, struct {
				key   string
				value V
			}{k, v})
		}
		s.mu.RUnlock()

		for _, e := range entries {
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}

// Len returns the number of entries across all shards.
func (m *Map[V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
