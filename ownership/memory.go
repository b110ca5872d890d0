package ownership

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	owners map[string]Owner
}

// NewMemoryStore creates an empty in-memory ownership store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{owners: make(map[string]Owner)}
}

// SetOwner implements Store.
func (s *MemoryStore) SetOwner(_ context.Context, deviceID string, owner Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[deviceID] = owner
	return nil
}

// ClearOwner implements Store.
func (s *MemoryStore) ClearOwner(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, deviceID)
	return nil
}

// GetOwner implements Store.
func (s *MemoryStore) GetOwner(_ context.Context, deviceID string) (*Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.owners[deviceID]
	if !ok {
		return nil, nil
	}
	return &owner, nil
}
