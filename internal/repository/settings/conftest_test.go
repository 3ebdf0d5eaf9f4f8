package settings

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// mockSource implements source for tests.
type mockSource struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
	delay  time.Duration
	calls  atomic.Int64
}

func newMockSource() *mockSource {
	return &mockSource{values: make(map[string]int64)}
}

func (m *mockSource) NumericValue(_ context.Context, key string) (int64, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	v, ok := m.values[key]
	if !ok {
		return 0, errNotFound
	}
	return v, nil
}

func (m *mockSource) set(key string, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
}

// mockHashStore implements hashStore for tests.
type mockHashStore struct {
	hashes map[string]map[string]string
	err    error
}

func (m *mockHashStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	if h, ok := m.hashes[key]; ok {
		return h, nil
	}
	return map[string]string{}, nil
}

func (m *mockHashStore) HSet(_ context.Context, key string, fields map[string]string) error {
	if m.err != nil {
		return m.err
	}
	if m.hashes == nil {
		m.hashes = make(map[string]map[string]string)
	}
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}
