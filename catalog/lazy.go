package catalog

import (
	"context"
	"fmt"
	"sync"
)

// LazyMap maps keys to lazily computed values. Each value is produced by a
// thunk evaluated at most once: the first Get to succeed memoizes the result
// and later Gets return it without re-evaluation. A failed evaluation is not
// memoized, so the next Get retries. Keys and Len never evaluate anything.
//
// A LazyMap is safe for concurrent use.
type LazyMap[K comparable, V any] struct {
	mu      sync.Mutex
	order   []K
	entries map[K]*lazyEntry[V]
}

type lazyEntry[V any] struct {
	mu    sync.Mutex
	done  bool
	value V
	thunk func(context.Context) (V, error)
}

// NewLazyMap returns an empty map.
func NewLazyMap[K comparable, V any]() *LazyMap[K, V] {
	return &LazyMap[K, V]{entries: make(map[K]*lazyEntry[V])}
}

// Put registers a thunk for key. Re-registering a key replaces its thunk and
// drops any memoized value.
func (m *LazyMap[K, V]) Put(key K, thunk func(context.Context) (V, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		m.order = append(m.order, key)
	}
	m.entries[key] = &lazyEntry[V]{thunk: thunk}
}

// Keys returns the keys in registration order.
func (m *LazyMap[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]K(nil), m.order...)
}

// Len returns the number of keys.
func (m *LazyMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Get returns the value for key, evaluating its thunk on first access.
// Concurrent Gets of the same key evaluate once; the rest wait for the
// result. An unknown key fails with ErrNotFound.
func (m *LazyMap[K, V]) Get(ctx context.Context, key K) (V, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: key %v", ErrNotFound, key)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.done {
		return entry.value, nil
	}
	value, err := entry.thunk(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	entry.value = value
	entry.done = true
	entry.thunk = nil
	return value, nil
}
