package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and
// tests. Entries are pruned lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	now func() time.Time // injected for tests
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key Key, out any) bool {
	s.mu.Lock()
	e, ok := s.entries[key.String()]
	if ok && s.now().After(e.expiresAt) {
		delete(s.entries, key.String())
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(e.data, out) == nil
}

func (s *MemoryStore) Put(ctx context.Context, key Key, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.entries[key.String()] = memoryEntry{data: data, expiresAt: s.now().Add(ttl)}
}

// prune drops expired entries. Called with the lock held.
func (s *MemoryStore) prune() {
	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// Len reports the live entry count, for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return len(s.entries)
}
