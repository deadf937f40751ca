package store

import (
	"context"
	"sync"
	"time"
)

// Store remembers which broker commands have already been carried out so a
// redelivered message is not executed against the controller twice.
type Store interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

type MemoryStore struct {
	mu        sync.RWMutex
	processed map[string]time.Time
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (m *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expireAt, ok := m.processed[key]
	if !ok {
		return false, nil
	}
	return m.now().Before(expireAt), nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, expireAt := range m.processed {
		if !now.Before(expireAt) {
			delete(m.processed, k)
		}
	}
	m.processed[key] = now.Add(ttl)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
