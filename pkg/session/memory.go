package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	data   map[string]*memoryItem
	mu     sync.RWMutex
	stopCh chan struct{}
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates a memory store and starts its expiry sweeper.
func NewMemoryStore() *MemoryStore {
	ms := &MemoryStore{
		data:   make(map[string]*memoryItem),
		stopCh: make(chan struct{}),
	}

	go ms.cleanupExpired()

	return ms
}

func (ms *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	item, exists := ms.data[key]
	if !exists {
		return nil, ErrNotFound
	}
	if time.Now().After(item.expiresAt) {
		return nil, ErrNotFound
	}

	valueCopy := make([]byte, len(item.value))
	copy(valueCopy, item.value)
	return valueCopy, nil
}

func (ms *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	ms.data[key] = &memoryItem{
		value:     valueCopy,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.data, key)
	return nil
}

func (ms *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	item, exists := ms.data[key]
	if !exists {
		return false, nil
	}
	if time.Now().After(item.expiresAt) {
		return false, nil
	}
	return true, nil
}

func (ms *MemoryStore) Close() error {
	close(ms.stopCh)
	return nil
}

func (ms *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.cleanup()
		case <-ms.stopCh:
			return
		}
	}
}

func (ms *MemoryStore) cleanup() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	for key, item := range ms.data {
		if now.After(item.expiresAt) {
			delete(ms.data, key)
		}
	}
}
