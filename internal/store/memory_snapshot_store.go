package store

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/directconn/internal/model"
)

// MemorySnapshotStore implements SnapshotStore in process memory
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	items map[string]snapshotItem
	now   func() time.Time
}

type snapshotItem struct {
	addresses []model.ReplicaAddress
	expiresAt time.Time
}

// NewMemorySnapshotStore creates an empty in-memory store
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		items: make(map[string]snapshotItem),
		now:   time.Now,
	}
}

// GetAddresses retrieves a stored address set
func (s *MemorySnapshotStore) GetAddresses(ctx context.Context, key string) ([]model.ReplicaAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !item.expiresAt.IsZero() && s.now().After(item.expiresAt) {
		return nil, ErrNotFound
	}
	out := make([]model.ReplicaAddress, len(item.addresses))
	copy(out, item.addresses)
	return out, nil
}

// PutAddresses stores an address set with TTL; zero TTL never expires
func (s *MemorySnapshotStore) PutAddresses(ctx context.Context, key string, addresses []model.ReplicaAddress, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := snapshotItem{addresses: make([]model.ReplicaAddress, len(addresses))}
	copy(item.addresses, addresses)
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

// DeleteAddresses removes a stored address set
func (s *MemorySnapshotStore) DeleteAddresses(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemorySnapshotStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemorySnapshotStore) Close() error {
	return nil
}
