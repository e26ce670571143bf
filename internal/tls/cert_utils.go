package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertificateGenerationOptions contains options for generating certificates
type CertificateGenerationOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	IsCA         bool
	SerialNumber *big.Int
	ParentCert   *x509.Certificate
	ParentKey    crypto.Signer
}

// GenerateCertificate generates an ECDSA P-256 certificate usable on both
// ends of a server-to-server stream. Without a parent it is self-signed.
func GenerateCertificate(opts CertificateGenerationOptions) (certPEM, keyPEM []byte, err error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.SerialNumber == nil {
		opts.SerialNumber, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
		if len(opts.DNSNames) > 0 {
			opts.CommonName = opts.DNSNames[0]
		}
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
		template.DNSNames = nil
		template.IPAddresses = nil
	} else if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	parentCert := &template
	var parentKey crypto.Signer = privateKey
	if opts.ParentCert != nil && opts.ParentKey != nil {
		parentCert = opts.ParentCert
		parentKey = opts.ParentKey
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parentCert, &privateKey.PublicKey, parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	privateKeyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyDER})

	return certPEM, keyPEM, nil
}

// ParseCertificateAndKey decodes a PEM certificate and PKCS#8 key pair.
func ParseCertificateAndKey(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode certificate PEM block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode key PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("key of type %T cannot sign", key)
	}
	return cert, signer, nil
}

// WriteCertificateFiles writes certificate and key to files
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// GenerateDomainCertificates writes a CA (ca.crt, ca.key) and one
// CA-signed certificate per domain (<domain>.crt, <domain>.key) into baseDir.
func GenerateDomainCertificates(baseDir string, domains []string, validFor time.Duration) error {
	if validFor <= 0 {
		validFor = 365 * 24 * time.Hour
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	caCertPEM, caKeyPEM, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName: "polis-s2s development CA",
		IsCA:       true,
		ValidFor:   10 * validFor,
	})
	if err != nil {
		return fmt.Errorf("failed to generate CA certificate: %w", err)
	}
	if err := WriteCertificateFiles(caCertPEM, caKeyPEM, filepath.Join(baseDir, "ca.crt"), filepath.Join(baseDir, "ca.key")); err != nil {
		return err
	}

	caCert, caKey, err := ParseCertificateAndKey(caCertPEM, caKeyPEM)
	if err != nil {
		return err
	}

	for _, name := range domains {
		certPEM, keyPEM, err := GenerateCertificate(CertificateGenerationOptions{
			DNSNames:   []string{name, "*." + name},
			ValidFor:   validFor,
			ParentCert: caCert,
			ParentKey:  caKey,
		})
		if err != nil {
			return fmt.Errorf("failed to generate certificate for %s: %w", name, err)
		}
		if err := WriteCertificateFiles(certPEM, keyPEM, filepath.Join(baseDir, name+".crt"), filepath.Join(baseDir, name+".key")); err != nil {
			return err
		}
	}

	return nil
}
