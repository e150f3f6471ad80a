// Package registry keeps the bounded set of connected clients and hands out
// their identifiers.
package registry

import (
	"errors"
	"slices"
	"sync"
)

// ErrCapacityExceeded is returned by Register when the registry is full.
var ErrCapacityExceeded = errors.New("registry capacity exceeded")

// Registry is a bounded set of values keyed by identifiers it assigns.
// It is safe for concurrent use.
type Registry[T any] struct {
	mu       sync.RWMutex
	entries  map[uint64]T
	nextID   uint64
	capacity int
}

// Entry pairs a registered value with its identifier.
type Entry[T any] struct {
	ID    uint64
	Value T
}

// New creates a registry holding at most capacity values.
func New[T any](capacity int) *Registry[T] {
	if capacity <= 0 {
		panic("registry: capacity must be positive")
	}
	return &Registry[T]{
		entries:  make(map[uint64]T, capacity),
		nextID:   1,
		capacity: capacity,
	}
}

// Register stores v and returns its identifier. Identifiers start at 1 and
// are never reused.
func (r *Registry[T]) Register(v T) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.capacity {
		return 0, ErrCapacityExceeded
	}

	id := r.nextID
	r.nextID++
	r.entries[id] = v
	return id, nil
}

// Unregister removes id and reports whether it was registered.
func (r *Registry[T]) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Get returns the value registered under id.
func (r *Registry[T]) Get(id uint64) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.entries[id]
	return v, ok
}

// Len returns the number of registered values.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Cap returns the fixed capacity.
func (r *Registry[T]) Cap() int {
	return r.capacity
}

// Snapshot returns every entry ordered by identifier.
func (r *Registry[T]) Snapshot() []Entry[T] {
	return r.snapshot(0)
}

// ForEachExcept calls fn for every entry except the one registered as id,
// in identifier order. The set is copied under the lock and fn runs after it
// is released, so fn may call Register or Unregister.
func (r *Registry[T]) ForEachExcept(id uint64, fn func(id uint64, v T)) {
	for _, e := range r.snapshot(id) {
		fn(e.ID, e.Value)
	}
}

// snapshot copies all entries but skip. Identifier 0 is never assigned.
func (r *Registry[T]) snapshot(skip uint64) []Entry[T] {
	r.mu.RLock()
	out := make([]Entry[T], 0, len(r.entries))
	for id, v := range r.entries {
		if id == skip {
			continue
		}
		out = append(out, Entry[T]{ID: id, Value: v})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry[T]) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
