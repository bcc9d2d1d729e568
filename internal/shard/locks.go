package shard

import (
	"hash/maphash"
	"sync"
)

// Locks is a fixed set of striped mutexes. Equal keys always map to the same
// mutex, so callers get per-key mutual exclusion without allocating a lock
// per key.
type Locks[K comparable] struct {
	seed maphash.Seed
	mus  []sync.Mutex
}

// NewLocks creates n stripes.
func NewLocks[K comparable](n int) *Locks[K] {
	if n <= 0 {
		n = DefaultShards
	}
	return &Locks[K]{seed: maphash.MakeSeed(), mus: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its unlock function.
func (l *Locks[K]) Lock(key K) func() {
	mu := &l.mus[maphash.Comparable(l.seed, key)%uint64(len(l.mus))]
	mu.Lock()
	return mu.Unlock
}
