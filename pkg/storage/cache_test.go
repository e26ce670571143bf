package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-s2s/pkg/domain"
)

func exerciseCache(t *testing.T, c domain.Cache) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "secret", "v1"))
	v, ok, err := c.Get(ctx, "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	unlock, err := c.Lock(ctx, "secret")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.Lock(short, "secret")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := c.Lock(ctx, "other")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := c.Lock(ctx, "secret")
	require.NoError(t, err)
	again()
}

func exerciseLockExclusion(t *testing.T, c domain.Cache) {
	t.Helper()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := c.Lock(ctx, "counter")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemoryCache())
	exerciseLockExclusion(t, NewMemoryCache())
}

func TestBoltCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := OpenBoltCache(path)
	require.NoError(t, err)
	exerciseCache(t, c)
	exerciseLockExclusion(t, c)
	require.NoError(t, c.Close())

	reopened, err := OpenBoltCache(path)
	require.NoError(t, err)
	defer reopened.Close()
	v, ok, err := reopened.Get(context.Background(), "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("S2S_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("S2S_TEST_REDIS_ADDR not set")
	}
	prefix := "s2s-test:" + strings.ReplaceAll(t.Name(), "/", "_") + ":" + time.Now().Format("150405.000000") + ":"
	c := NewRedisCache(RedisOptions{Addrs: []string{addr}, KeyPrefix: prefix, LockTTL: 5 * time.Second})
	defer c.Close()
	require.NoError(t, c.Ping(context.Background()))

	exerciseCache(t, c)
	exerciseLockExclusion(t, c)
}

func TestOpen(t *testing.T) {
	c, err := Open(Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)

	c, err = Open(Options{Backend: "bolt", BoltPath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &BoltCache{}, c)
	require.NoError(t, c.Close())

	_, err = Open(Options{Backend: "bolt"})
	assert.Error(t, err)
	_, err = Open(Options{Backend: "redis"})
	assert.Error(t, err)
	_, err = Open(Options{Backend: "etcd"})
	assert.Error(t, err)
}
