package tls

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-s2s/pkg/config"
)

// CertVerifier checks whether a peer certificate chain authenticates an XMPP
// domain. It implements domain.CertificateVerifier.
type CertVerifier struct {
	bundle  *config.TrustBundle
	logger  *TLSLogger
	metrics *TLSMetricsCollector
	now     func() time.Time

	systemPoolOnce sync.Once
	systemPool     *x509.CertPool
	systemPoolErr  error
}

// NewCertVerifier returns a verifier anchored at bundle, or at the system
// roots when bundle is nil.
func NewCertVerifier(bundle *config.TrustBundle, logger *slog.Logger, metrics *TLSMetricsCollector) *CertVerifier {
	return &CertVerifier{
		bundle:  bundle,
		logger:  NewTLSLogger(logger),
		metrics: metrics,
		now:     time.Now,
	}
}

// VerifyCertificates reports whether chain[0] is valid for expectedDomain
// and chains to a trusted root. s2s selects the key usages acceptable for
// a server-to-server peer, which may present either a server or a client
// certificate depending on which side opened the stream.
func (v *CertVerifier) VerifyCertificates(chain []*x509.Certificate, expectedDomain string, s2s bool) bool {
	ctx := context.Background()
	err := v.verify(chain, expectedDomain, s2s)
	var leaf *x509.Certificate
	if len(chain) > 0 {
		leaf = chain[0]
	}
	v.logger.LogCertificateValidation(ctx, expectedDomain, leaf, err == nil, err)
	if v.metrics != nil {
		v.metrics.RecordCertificateValidation(ctx, err == nil)
	}
	return err == nil
}

func (v *CertVerifier) verify(chain []*x509.Certificate, expectedDomain string, s2s bool) error {
	if len(chain) == 0 {
		return errors.New("no peer certificates")
	}
	name := strings.TrimSpace(expectedDomain)
	if name == "" {
		return errors.New("expected domain is empty")
	}

	roots, err := v.roots()
	if err != nil {
		return err
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	usages := []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	if s2s {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	opts := x509.VerifyOptions{
		DNSName:       name,
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     usages,
	}
	if _, err := chain[0].Verify(opts); err != nil {
		return NewCertificateValidationError(name, err)
	}
	return nil
}

func (v *CertVerifier) roots() (*x509.CertPool, error) {
	if v.bundle != nil {
		return v.bundle.CertPool()
	}
	v.systemPoolOnce.Do(func() {
		v.systemPool, v.systemPoolErr = x509.SystemCertPool()
	})
	if v.systemPoolErr != nil {
		return nil, fmt.Errorf("system trust store: %w", v.systemPoolErr)
	}
	if v.systemPool == nil {
		return nil, errors.New("system trust store unavailable")
	}
	return v.systemPool, nil
}
