package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "bundle test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestTrustBundleFromFileWithChecksum(t *testing.T) {
	data := selfSignedPEM(t)
	path := writeFile(t, t.TempDir(), "ca.pem", string(data))
	sum := sha256.Sum256(data)

	bundle := &TrustBundle{Name: "peers", Path: path, SHA256: "sha256:" + hex.EncodeToString(sum[:])}
	require.NoError(t, bundle.Validate())

	pool, err := bundle.CertPool()
	require.NoError(t, err)
	require.NotNil(t, pool)

	again, err := bundle.CertPool()
	require.NoError(t, err)
	assert.Same(t, pool, again)
}

func TestTrustBundleChecksumMismatch(t *testing.T) {
	bundle := &TrustBundle{Name: "peers", Inline: string(selfSignedPEM(t)), SHA256: "00"}
	_, err := bundle.CertPool()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestTrustBundleRejectsGarbage(t *testing.T) {
	bundle := &TrustBundle{Name: "junk", Inline: "not a certificate"}
	_, err := bundle.CertPool()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certificates found")
}

func TestTrustBundleValidate(t *testing.T) {
	tests := []struct {
		name   string
		bundle TrustBundle
		ok     bool
	}{
		{name: "inline", bundle: TrustBundle{Inline: "pem"}, ok: true},
		{name: "system only", bundle: TrustBundle{IncludeSystem: true}, ok: true},
		{name: "absolute path", bundle: TrustBundle{Path: filepath.Join(t.TempDir(), "ca.pem")}, ok: true},
		{name: "relative path", bundle: TrustBundle{Path: "ca.pem"}},
		{name: "both sources", bundle: TrustBundle{Inline: "pem", Path: "/ca.pem"}},
		{name: "no source", bundle: TrustBundle{}},
	}
	for i := range tests {
		tt := &tests[i]
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bundle.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
