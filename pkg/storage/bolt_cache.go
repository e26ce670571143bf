package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/polisai/polis-s2s/pkg/domain"
)

var cacheBucket = []byte("cache")

// BoltCache persists values in a bolt database so a restarted node keeps
// answering verification requests for streams opened before the restart.
// Bolt holds an exclusive file lock, so key locks are process-local.
type BoltCache struct {
	db    *bolt.DB
	locks *keyLocks
}

var _ domain.Cache = (*BoltCache)(nil)

// OpenBoltCache opens (creating if needed) the database at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}
	return &BoltCache{db: db, locks: newKeyLocks()}, nil
}

func (c *BoltCache) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cacheBucket).Get([]byte(key))
		if v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return value, found, nil
}

func (c *BoltCache) Put(_ context.Context, key, value string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *BoltCache) Lock(ctx context.Context, key string) (func(), error) {
	return c.locks.lock(ctx, key)
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
