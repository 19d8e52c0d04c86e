package ratelimit

import (
	"context"
	"sync"
	"time"
)

type fixedCounter struct {
	hits      int64
	expiresAt time.Time
}

// MemoryStore implements Store using in-process maps. Suitable for a
// single-instance deployment; multi-instance deployments should use
// RedisStore so all workers share window state.
type MemoryStore struct {
	mu       sync.Mutex
	sliding  map[string][]time.Time
	counters map[string]*fixedCounter
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sliding:  make(map[string][]time.Time),
		counters: make(map[string]*fixedCounter),
	}
}

func (ms *MemoryStore) RecordSliding(_ context.Context, key string, now, windowStart time.Time, limit int) (int, time.Time, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stamps := ms.sliding[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if !ts.Before(windowStart) {
			kept = append(kept, ts)
		}
	}

	hits := len(kept)
	var oldest time.Time
	if hits > 0 {
		oldest = kept[0]
	}

	if hits < limit {
		kept = append(kept, now)
	}
	if len(kept) == 0 {
		delete(ms.sliding, key)
	} else {
		ms.sliding[key] = kept
	}

	return hits, oldest, nil
}

func (ms *MemoryStore) IncrFixed(_ context.Context, key string, ttl time.Duration) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	c, ok := ms.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &fixedCounter{expiresAt: now.Add(ttl)}
		ms.counters[key] = c
	}
	c.hits++

	// Opportunistic cleanup of expired buckets to bound memory.
	for k, v := range ms.counters {
		if now.After(v.expiresAt) {
			delete(ms.counters, k)
		}
	}

	return c.hits, nil
}
