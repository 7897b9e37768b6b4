package store

import (
	"context"
	"sync"
	"time"
)

type memoryValue struct {
	value     string
	updatedAt time.Time
}

// MemoryStore is a process-local Repository used in development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]memoryValue
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]map[string]memoryValue)}
}

func (m *MemoryStore) Get(_ context.Context, scope, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.scopes[scope][key]
	return v.value, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scope]; !ok {
		m.scopes[scope] = make(map[string]memoryValue)
	}
	m.scopes[scope][key] = memoryValue{value: value, updatedAt: time.Now()}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if values, ok := m.scopes[scope]; ok {
		delete(values, key)
		if len(values) == 0 {
			delete(m.scopes, scope)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteScope(_ context.Context, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.scopes[scope]))
	delete(m.scopes, scope)
	return n, nil
}

func (m *MemoryStore) CleanupStale(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	var removed int64
	for scope, values := range m.scopes {
		stale := true
		for _, v := range values {
			if !v.updatedAt.Before(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			removed += int64(len(values))
			delete(m.scopes, scope)
		}
	}
	return removed, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
