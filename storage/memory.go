package storage

import (
	"context"
	"sync"
)

// Memory is a transient in-memory Backend. Values do not survive the
// process; it is the equivalent of keeping flow state in a page's JS heap
// and is primarily useful for tests and short-lived CLI flows.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory Backend.
func NewMemory() *Memory {
	return &Memory{
		values: map[string]string{},
	}
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

// Set implements Backend.
func (m *Memory) Set(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Remove implements Backend.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// ClearPrefix implements Backend.
func (m *Memory) ClearPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.values {
		if hasPrefix(k, prefix) {
			delete(m.values, k)
		}
	}
	return nil
}
