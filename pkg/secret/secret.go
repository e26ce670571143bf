// Package secret owns the cluster-wide dialback secret. The secret is
// created at most once per cluster under the cache lock and, once fetched,
// is kept in an encrypted memguard enclave for the life of the process.
package secret

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"

	"github.com/polisai/polis-s2s/pkg/domain"
)

// CacheKey is the cache entry holding the secret.
const CacheKey = "dialback.secret"

const secretBytes = 32

// Provider lazily loads or creates the shared secret.
type Provider struct {
	cache  domain.Cache
	logger *slog.Logger

	mu      sync.Mutex
	enclave atomic.Pointer[memguard.Enclave]
}

// NewProvider returns a Provider backed by cache.
func NewProvider(cache domain.Cache, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cache: cache, logger: logger.With("component", "secret")}
}

// Secret returns the shared secret, creating it cluster-wide on first use.
func (p *Provider) Secret(ctx context.Context) (string, error) {
	var out string
	err := p.withSecret(ctx, func(secret []byte) {
		out = string(secret)
	})
	return out, err
}

// Key returns the dialback key for streamID under the shared secret.
func (p *Provider) Key(ctx context.Context, streamID string) (string, error) {
	var out string
	err := p.withSecret(ctx, func(secret []byte) {
		out = Digest(streamID, secret)
	})
	return out, err
}

func (p *Provider) withSecret(ctx context.Context, fn func(secret []byte)) error {
	enclave, err := p.load(ctx)
	if err != nil {
		return err
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("open secret enclave: %w", err)
	}
	defer buf.Destroy()
	fn(buf.Bytes())
	return nil
}

func (p *Provider) load(ctx context.Context) (*memguard.Enclave, error) {
	if e := p.enclave.Load(); e != nil {
		return e, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.enclave.Load(); e != nil {
		return e, nil
	}

	unlock, err := p.cache.Lock(ctx, CacheKey)
	if err != nil {
		return nil, fmt.Errorf("%w: lock: %v", domain.ErrCacheUnavailable, err)
	}
	defer unlock()

	value, ok, err := p.cache.Get(ctx, CacheKey)
	if err != nil {
		return nil, err
	}
	if !ok || value == "" {
		value, err = generate()
		if err != nil {
			return nil, err
		}
		if err := p.cache.Put(ctx, CacheKey, value); err != nil {
			return nil, err
		}
		p.logger.Info("generated dialback secret")
	}

	e := memguard.NewEnclave([]byte(value))
	if e == nil {
		return nil, errors.New("secret enclave is empty")
	}
	p.enclave.Store(e)
	return e, nil
}

func generate() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Digest computes the dialback key: lowercase hex HMAC-SHA256 keyed by
// secret over streamID.
func Digest(streamID string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(streamID))
	return hex.EncodeToString(mac.Sum(nil))
}
