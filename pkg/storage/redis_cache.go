package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-s2s/pkg/domain"
)

const (
	defaultLockTTL      = 10 * time.Second
	defaultLockInterval = 25 * time.Millisecond
)

// unlockScript deletes the lock only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache shares values and locks between every node that points at
// the same Redis deployment.
type RedisCache struct {
	client  redis.UniversalClient
	prefix  string
	lockTTL time.Duration
	poll    time.Duration
}

var _ domain.Cache = (*RedisCache)(nil)

// RedisOptions configure a RedisCache.
type RedisOptions struct {
	Addrs    []string
	Password string
	DB       int
	// KeyPrefix namespaces every key, e.g. "s2s:".
	KeyPrefix string
	// LockTTL bounds how long a crashed holder can keep a lock.
	LockTTL time.Duration
}

// NewRedisCache connects to Redis.
func NewRedisCache(opts RedisOptions) *RedisCache {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisCacheWithClient(client, opts.KeyPrefix, opts.LockTTL)
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client redis.UniversalClient, prefix string, lockTTL time.Duration) *RedisCache {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &RedisCache{client: client, prefix: prefix, lockTTL: lockTTL, poll: defaultLockInterval}
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return v, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key, value string) error {
	if err := c.client.Set(ctx, c.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Lock spins on SET NX PX until the lock is acquired or ctx is done.
func (c *RedisCache) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := c.prefix + key + ":lock"
	token := uuid.New().String()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		ok, err := c.client.SetNX(ctx, lockKey, token, c.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire lock: %v", domain.ErrCacheUnavailable, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.lockTTL)
				defer cancel()
				_ = unlockScript.Run(ctx, c.client, []string{lockKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
