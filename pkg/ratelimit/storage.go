package ratelimit

import (
	"context"
	"sync"
)

// MemoryStorage keeps penalty state in process memory. Suitable for a
// single worker process or as the fallback when redis is unavailable.
type MemoryStorage struct {
	mu    sync.Mutex
	items map[string]Data
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: map[string]Data{}}
}

func storageKey(dim Dimension, id string) string {
	return string(dim) + ":" + id
}

func (m *MemoryStorage) Get(ctx context.Context, dim Dimension, id string) (Data, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[storageKey(dim, id)]
	return d, ok, nil
}

func (m *MemoryStorage) Put(ctx context.Context, dim Dimension, id string, d Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[storageKey(dim, id)] = d
	return nil
}

func (m *MemoryStorage) Del(ctx context.Context, dim Dimension, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, storageKey(dim, id))
	return nil
}
