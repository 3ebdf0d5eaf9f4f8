package guest

import (
	"context"
	"sync"
)

// Memory is a process-local Storage. Guest usage does not survive a restart.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

// GetItem returns the value stored under key in namespace.
func (m *Memory) GetItem(_ context.Context, namespace, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[itemKey(namespace, key)]
	return v, ok, nil
}

// SetItem stores value under key in namespace.
func (m *Memory) SetItem(_ context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemKey(namespace, key)] = value
	return nil
}
