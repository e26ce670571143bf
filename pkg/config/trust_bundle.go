package config

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TrustBundle names the CA certificates that anchor certificate-based
// domain authentication. The PEM data comes from Inline or from Path.
// When IncludeSystem is set the system roots are added to the pool.
type TrustBundle struct {
	Name          string `json:"name" yaml:"name"`
	Path          string `json:"path" yaml:"path"`
	Inline        string `json:"inline" yaml:"inline"`
	SHA256        string `json:"sha256" yaml:"sha256"`
	IncludeSystem bool   `json:"include_system" yaml:"include_system"`

	once sync.Once
	pool *x509.CertPool
	err  error
}

// Validate checks that the bundle has exactly one PEM source.
func (b *TrustBundle) Validate() error {
	inline := strings.TrimSpace(b.Inline) != ""
	path := strings.TrimSpace(b.Path) != ""
	switch {
	case inline && path:
		return NewConfigValidationError("tls.trust_bundle", b.Name, "path and inline are mutually exclusive")
	case !inline && !path && !b.IncludeSystem:
		return NewConfigMissingError("tls.trust_bundle.path").
			WithSuggestion("Point path at a PEM file of CA certificates").
			WithSuggestion("Or set include_system to trust the system roots")
	case path && !filepath.IsAbs(filepath.Clean(b.Path)):
		return NewConfigValidationError("tls.trust_bundle.path", b.Path, "path must be absolute")
	}
	return nil
}

// PEM returns the configured PEM bytes after checksum verification. A
// bundle relying only on the system roots returns nil.
func (b *TrustBundle) PEM() ([]byte, error) {
	var data []byte
	switch {
	case strings.TrimSpace(b.Inline) != "":
		data = []byte(b.Inline)
	case strings.TrimSpace(b.Path) != "":
		raw, err := os.ReadFile(filepath.Clean(b.Path))
		if err != nil {
			return nil, fmt.Errorf("trust bundle %s: read: %w", b.Name, err)
		}
		data = raw
	default:
		return nil, nil
	}

	if b.SHA256 != "" {
		expected := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(b.SHA256)), "sha256:")
		digest := sha256.Sum256(data)
		if hex.EncodeToString(digest[:]) != expected {
			return nil, fmt.Errorf("trust bundle %s: checksum mismatch", b.Name)
		}
	}
	return data, nil
}

// CertPool builds the pool once and returns the cached result thereafter.
func (b *TrustBundle) CertPool() (*x509.CertPool, error) {
	b.once.Do(func() {
		b.pool, b.err = b.buildPool()
	})
	return b.pool, b.err
}

func (b *TrustBundle) buildPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if b.IncludeSystem {
		system, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("trust bundle %s: system roots: %w", b.Name, err)
		}
		pool = system.Clone()
	}

	data, err := b.PEM()
	if err != nil {
		return nil, err
	}
	if data == nil {
		if !b.IncludeSystem {
			return nil, fmt.Errorf("trust bundle %s: no path or inline data provided", b.Name)
		}
		return pool, nil
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("trust bundle %s: no certificates found", b.Name)
	}
	return pool, nil
}
