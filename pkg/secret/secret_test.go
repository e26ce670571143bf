package secret

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/storage"
)

type countingCache struct {
	domain.Cache
	puts atomic.Int32
}

func (c *countingCache) Put(ctx context.Context, key, value string) error {
	c.puts.Add(1)
	return c.Cache.Put(ctx, key, value)
}

func TestProvider_SingleSecretUnderConcurrency(t *testing.T) {
	cache := &countingCache{Cache: storage.NewMemoryCache()}
	ctx := context.Background()

	// Several providers over one cache model several cluster nodes.
	providers := make([]*Provider, 4)
	for i := range providers {
		providers[i] = NewProvider(cache, nil)
	}

	const callers = 64
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := providers[i%len(providers)].Secret(ctx)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), cache.puts.Load())
	stored, ok, err := cache.Get(ctx, CacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	for _, s := range results {
		assert.Equal(t, stored, s)
	}
	assert.Len(t, stored, 2*secretBytes)
}

func TestProvider_UsesExistingSecret(t *testing.T) {
	cache := storage.NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, CacheKey, "s3cr3t"))

	p := NewProvider(cache, nil)
	s, err := p.Secret(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", s)

	key, err := p.Key(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, Digest("abc123", []byte("s3cr3t")), key)
}

type failingCache struct{ *storage.MemoryCache }

func (failingCache) Get(context.Context, string) (string, bool, error) {
	return "", false, domain.ErrCacheUnavailable
}

func TestProvider_CacheFailure(t *testing.T) {
	p := NewProvider(failingCache{MemoryCache: storage.NewMemoryCache()}, nil)
	_, err := p.Key(context.Background(), "abc")
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))
}

func TestDigest_KnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	assert.Equal(t,
		"5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		Digest("what do ya want for nothing?", []byte("Jefe")))
}

func TestDigest_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "secret")
		id := rapid.String().Draw(t, "id")
		other := rapid.String().Draw(t, "other")

		k := Digest(id, secret)
		if k != Digest(id, secret) {
			t.Fatalf("digest is not deterministic")
		}
		if len(k) != 64 {
			t.Fatalf("unexpected digest length %d", len(k))
		}
		if id != other && k == Digest(other, secret) {
			t.Fatalf("distinct stream ids %q and %q share a key", id, other)
		}
	})
}
