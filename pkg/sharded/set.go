// Package sharded provides a string set that spreads its keys over independently
// locked shards, so copy workers touching different directories rarely contend.
package sharded

import (
	"hash/fnv"
	"math/bits"
	"sync"
)

type setShard struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

// Set is a concurrency-safe set of strings.
type Set struct {
	shards []*setShard
	mask   uint32
}

// NewSet returns a set with numShards shards, rounded up to a power of two.
func NewSet(numShards int) *Set {
	n := 1
	if numShards > 1 {
		n = 1 << bits.Len(uint(numShards-1))
	}
	s := &Set{shards: make([]*setShard, n), mask: uint32(n - 1)}
	for i := range s.shards {
		s.shards[i] = &setShard{items: make(map[string]struct{})}
	}
	return s
}

func (s *Set) shard(key string) *setShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()&s.mask]
}

// Store adds key to the set.
func (s *Set) Store(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.items[key] = struct{}{}
	sh.mu.Unlock()
}

// Has reports whether key is in the set.
func (s *Set) Has(key string) bool {
	sh := s.shard(key)
	sh.mu.RLock()
	_, ok := sh.items[key]
	sh.mu.RUnlock()
	return ok
}

// LoadOrStore adds key and reports whether it was already present.
func (s *Set) LoadOrStore(key string) (loaded bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	_, loaded = sh.items[key]
	if !loaded {
		sh.items[key] = struct{}{}
	}
	sh.mu.Unlock()
	return loaded
}

// Len returns the number of keys.
func (s *Set) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}
