package shard

import (
	"hash/maphash"
	"sync"
)

// DefaultShards is used when a non-positive shard count is requested.
const DefaultShards = 32

// Map is a concurrency-safe map split into independently locked shards.
// Operations on one key are atomic; operations on keys in different shards
// never contend.
type Map[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*bucket[K, V]
}

type bucket[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New creates a map with n shards.
func New[K comparable, V any](n int) *Map[K, V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[K, V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*bucket[K, V], n),
	}
	for i := range m.shards {
		m.shards[i] = &bucket[K, V]{m: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) bucket(key K) *bucket[K, V] {
	h := maphash.Comparable(m.seed, key)
	return m.shards[h%uint64(len(m.shards))]
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok
}

// Set stores value under key and returns the previous value, if any.
func (m *Map[K, V]) Set(key K, value V) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.m[key]
	b.m[key] = value
	return prev, ok
}

// SetIfAbsent stores value only when key is not present. It reports whether
// the value was stored.
func (m *Map[K, V]) SetIfAbsent(key K, value V) bool {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.m[key]; ok {
		return false
	}
	b.m[key] = value
	return true
}

// Delete removes key and returns the removed value.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[key]
	if ok {
		delete(b.m, key)
	}
	return v, ok
}

// DeleteIf removes key only when pred accepts the current value.
func (m *Map[K, V]) DeleteIf(key K, pred func(V) bool) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[key]
	if !ok || !pred(v) {
		var zero V
		return zero, false
	}
	delete(b.m, key)
	return v, true
}

// Update runs fn under the key's shard lock. fn receives the current value
// and returns the next one; returning keep=false deletes the key.
func (m *Map[K, V]) Update(key K, fn func(cur V, ok bool) (next V, keep bool)) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.m[key]
	next, keep := fn(cur, ok)
	if !keep {
		delete(b.m, key)
		return next, false
	}
	b.m[key] = next
	return next, true
}

// Len counts entries across all shards. The result is a point-in-time
// approximation under concurrent writes.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Range calls fn for each entry, shard by shard. fn must not call back into
// the map. Iteration stops when fn returns false.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		for k, v := range b.m {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}
