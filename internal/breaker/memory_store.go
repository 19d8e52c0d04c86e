package breaker

import (
	"context"
	"sync"
)

// MemoryStore keeps breaker records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (ms *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.records[key]
	return rec, ok, nil
}

func (ms *MemoryStore) Put(_ context.Context, key string, rec Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.records[key] = rec
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.records, key)
	return nil
}
