package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Memory is an in-process Store. Apply is atomic with respect to readers.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	names  []string // sorted
	nextID uint64
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[name]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *Memory) NextName(_ context.Context, after string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	i := sort.SearchStrings(m.names, after)
	if i < len(m.names) && m.names[i] == after {
		i++
	}
	if i >= len(m.names) {
		return "", ErrNotFound
	}
	return m.names[i], nil
}

func (m *Memory) Apply(_ context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, op := range ops {
		m.applyLocked(op)
	}
	return nil
}

func (m *Memory) applyLocked(op Op) {
	_, exists := m.data[op.Name]
	if op.Delete {
		if !exists {
			return
		}
		delete(m.data, op.Name)
		if i, ok := slices.BinarySearch(m.names, op.Name); ok {
			m.names = slices.Delete(m.names, i, i+1)
		}
		return
	}
	m.data[op.Name] = slices.Clone(op.Value)
	if !exists {
		i, _ := slices.BinarySearch(m.names, op.Name)
		m.names = slices.Insert(m.names, i, op.Name)
	}
}

func (m *Memory) NextObjectID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.nextID++
	return m.nextID, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
