package storage

import (
	"context"
	"sync"

	"github.com/polisai/polis-s2s/pkg/domain"
)

// MemoryCache is an in-memory implementation of domain.Cache. It is only
// cluster-wide for a single node.
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string]string
	locks  *keyLocks
}

var _ domain.Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a new MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		values: make(map[string]string),
		locks:  newKeyLocks(),
	}
}

// Get retrieves a value from memory.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok, nil
}

// Put stores a value in memory.
func (c *MemoryCache) Put(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

// Lock acquires the process-local lock for key.
func (c *MemoryCache) Lock(ctx context.Context, key string) (func(), error) {
	return c.locks.lock(ctx, key)
}

// Close is a no-op for memory cache.
func (c *MemoryCache) Close() error {
	return nil
}
