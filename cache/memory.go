package cache

import (
	"context"
	"sort"
	"sync"
)

type memoryBackend struct {
	mutex  sync.RWMutex
	order  []string
	spaces map[string]map[string][]byte
	closed bool
}

var _ Backend = (*memoryBackend)(nil)

// NewMemory returns a Backend that keeps everything in process memory.
func NewMemory() Backend {
	return &memoryBackend{spaces: make(map[string]map[string][]byte)}
}

func (m *memoryBackend) createLocked(ns string) map[string][]byte {
	space, ok := m.spaces[ns]
	if !ok {
		space = make(map[string][]byte)
		m.spaces[ns] = space
		m.order = append(m.order, ns)
	}
	return space
}

func (m *memoryBackend) CreateNamespace(_ context.Context, ns string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.createLocked(ns)
	return nil
}

func (m *memoryBackend) Namespaces(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *memoryBackend) DropNamespace(_ context.Context, ns string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.spaces[ns]; !ok {
		return false, nil
	}
	delete(m.spaces, ns)
	for i, name := range m.order {
		if name == ns {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *memoryBackend) Get(_ context.Context, ns, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	val, ok := m.spaces[ns][key]
	return val, ok, nil
}

func (m *memoryBackend) Set(_ context.Context, ns string, values map[string][]byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	space := m.createLocked(ns)
	for k, v := range values {
		space[k] = v
	}
	return nil
}

func (m *memoryBackend) Del(_ context.Context, ns, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	space, ok := m.spaces[ns]
	if !ok {
		return false, nil
	}
	_, ok = space[key]
	delete(space, key)
	return ok, nil
}

func (m *memoryBackend) Keys(_ context.Context, ns string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.spaces[ns]))
	for k := range m.spaces[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryBackend) Close() error {
	m.mutex.Lock()
	m.closed = true
	m.spaces = nil
	m.order = nil
	m.mutex.Unlock()
	return nil
}
