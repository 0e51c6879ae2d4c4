// Package byservice stores one object per logical service.
package byservice

import (
	"sort"
	"sync"
)

// Manager is a generic thread-safe per-service object store.
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add stores an item for the given service.
func (m *Manager[T]) Add(service string, item T) {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]T)
	}
	m.items[service] = item
	m.mu.Unlock()
}

// Get retrieves the item for the given service.
func (m *Manager[T]) Get(service string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[service]
	m.mu.RUnlock()
	return v, ok
}

// Names returns the stored service names in sorted order.
func (m *Manager[T]) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.items))
	for name := range m.items {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Range iterates over all items in name order. Return false from fn to stop early.
func (m *Manager[T]) Range(fn func(service string, item T) bool) {
	for _, name := range m.Names() {
		item, ok := m.Get(name)
		if !ok {
			continue
		}
		if !fn(name, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
