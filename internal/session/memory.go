package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	digest    string
	expiresAt time.Time
}

// MemoryStore is a single-process OwnershipStore for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Claim(ctx context.Context, key, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		delete(s.entries, key)
		return nil
	}
	s.entries[key] = memoryEntry{digest: Digest(token), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Verify(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	if !sameDigest(e.digest, token) {
		return ErrConflict
	}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
