package storage

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/polisai/polis-s2s/pkg/domain"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Options select and configure a cache backend.
type Options struct {
	Backend       string
	BoltPath      string
	RedisAddrs    []string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	LockTTL       time.Duration
}

// ClosableCache is a cache holding resources that must be released.
type ClosableCache interface {
	domain.Cache
	io.Closer
}

// Open constructs the configured backend.
func Open(opts Options) (ClosableCache, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryCache(), nil
	case BackendBolt:
		if opts.BoltPath == "" {
			return nil, fmt.Errorf("bolt cache requires a path")
		}
		return OpenBoltCache(opts.BoltPath)
	case BackendRedis:
		if len(opts.RedisAddrs) == 0 {
			return nil, fmt.Errorf("redis cache requires at least one address")
		}
		return NewRedisCache(RedisOptions{
			Addrs:     opts.RedisAddrs,
			Password:  opts.RedisPassword,
			DB:        opts.RedisDB,
			KeyPrefix: opts.KeyPrefix,
			LockTTL:   opts.LockTTL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
