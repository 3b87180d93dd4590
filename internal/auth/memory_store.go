package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenStore keeps join token grants in memory. It is safe for
// concurrent use and primarily intended for development or single-instance
// deployments.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryTokenStore constructs an in-memory store implementation.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{grants: make(map[string]Grant)}
}

// Save records the grant keyed by its token hash.
func (s *MemoryTokenStore) Save(grant Grant) error {
	s.mu.Lock()
	s.grants[grant.TokenHash] = grant
	s.mu.Unlock()
	return nil
}

// Get retrieves the grant for the provided token hash.
func (s *MemoryTokenStore) Get(tokenHash string) (Grant, bool, error) {
	s.mu.RLock()
	grant, ok := s.grants[tokenHash]
	s.mu.RUnlock()
	return grant, ok, nil
}

// Delete removes the grant from the store.
func (s *MemoryTokenStore) Delete(tokenHash string) error {
	s.mu.Lock()
	delete(s.grants, tokenHash)
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes any expired grants from the store.
func (s *MemoryTokenStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for hash, grant := range s.grants {
		if now.After(grant.ExpiresAt) {
			delete(s.grants, hash)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping always reports success for the in-memory token store.
func (s *MemoryTokenStore) Ping(context.Context) error {
	return nil
}
