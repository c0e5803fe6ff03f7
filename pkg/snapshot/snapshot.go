// Package snapshot holds the in-memory record of what the mirror has observed in the
// source tree and what it believes the replica contains. Nothing here is persisted;
// a new process starts with empty sets.
package snapshot

import (
	"sort"

	"github.com/paulschiretz/pgl-mirror/pkg/change"
)

// Entry is one observed filesystem object.
type Entry struct {
	RelPathKey string      // Forward-slash path relative to the source root. Unique within a Set.
	Kind       change.Kind // Kind at the time it was last recorded.
	ModTime    int64       // Unix nano. Stored as int64 to keep the entry pointer-free.
}

// Set is a set of entries keyed by RelPathKey and iterated in ascending key order.
// It is not safe for concurrent use; the engine's loop goroutine is its only user.
type Set struct {
	entries map[string]Entry
	// sorted caches the ordered keys; nil after any mutation.
	sorted []string
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{entries: make(map[string]Entry)}
}

// Get returns the entry stored under key.
func (s *Set) Get(key string) (Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Has reports whether key is present.
func (s *Set) Has(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// Put inserts e, replacing any entry with the same key.
func (s *Set) Put(e Entry) {
	if _, ok := s.entries[e.RelPathKey]; !ok {
		s.sorted = nil
	}
	s.entries[e.RelPathKey] = e
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Set) Remove(key string) {
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.sorted = nil
	}
}

// Len returns the number of entries.
func (s *Set) Len() int {
	return len(s.entries)
}

// Keys returns all keys in ascending order. The returned slice is a copy, so the
// set may be mutated while the caller ranges over it.
func (s *Set) Keys() []string {
	if s.sorted == nil {
		s.sorted = make([]string, 0, len(s.entries))
		for k := range s.entries {
			s.sorted = append(s.sorted, k)
		}
		sort.Strings(s.sorted)
	}
	keys := make([]string, len(s.sorted))
	copy(keys, s.sorted)
	return keys
}

// Entries returns all entries in ascending key order.
func (s *Set) Entries() []Entry {
	keys := s.Keys()
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = s.entries[k]
	}
	return out
}

// Store pairs the source snapshot with the replica snapshot.
type Store struct {
	// Source is the last fully observed state of the source tree.
	Source *Set
	// Replica is what the mirror believes exists in the replica. It decides deletions
	// and is never re-derived from the replica filesystem.
	Replica *Set
}

// NewStore returns a store with both sets empty.
func NewStore() *Store {
	return &Store{Source: NewSet(), Replica: NewSet()}
}

// Record stores e in both sets.
func (st *Store) Record(e Entry) {
	st.Source.Put(e)
	st.Replica.Put(e)
}

// Forget removes key from both sets.
func (st *Store) Forget(key string) {
	st.Source.Remove(key)
	st.Replica.Remove(key)
}
