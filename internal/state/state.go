// Package state holds the per-execution user state: a string-keyed mapping
// that steps read and write and that external commands query and mutate
// while the execution runs.
//
// Writes are last-write-wins. The mutex only protects the map itself; no
// ordering is promised between external writes and the steps of a running
// execution.
package state

import (
	"maps"
	"reflect"
	"sync"
)

// UserState is a concurrency-safe key/value store.
type UserState struct {
	mu      sync.RWMutex
	values  map[string]any
	version uint64
}

// New creates a store seeded with a copy of seed.
func New(seed map[string]any) *UserState {
	values := make(map[string]any, len(seed))
	for k, v := range seed {
		values[k] = deepCopy(v)
	}
	return &UserState{values: values}
}

// Get returns the value for key, or nil if it was never set.
func (s *UserState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return deepCopy(v), ok
}

// GetAll returns a snapshot of the whole mapping.
func (s *UserState) GetAll() map[string]any {
	return s.Snapshot()
}

// Set writes one key.
func (s *UserState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = deepCopy(value)
	s.version++
}

// Update merges values into the store.
func (s *UserState) Update(values map[string]any) {
	if len(values) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = deepCopy(v)
	}
	s.version++
}

// Snapshot returns a deep copy of the mapping.
func (s *UserState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = deepCopy(v)
	}
	return out
}

// Version counts the writes applied so far.
func (s *UserState) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Changed returns the keys of final that are absent from seed or hold a
// different value. Deletions are not tracked: keys are never removed.
func Changed(seed, final map[string]any) map[string]any {
	diff := make(map[string]any)
	for k, v := range final {
		old, ok := seed[k]
		if !ok || !reflect.DeepEqual(old, v) {
			diff[k] = v
		}
	}
	return diff
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, inner := range val {
			cp[k] = deepCopy(inner)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, inner := range val {
			cp[i] = deepCopy(inner)
		}
		return cp
	case map[string]string:
		return maps.Clone(val)
	default:
		return v
	}
}
