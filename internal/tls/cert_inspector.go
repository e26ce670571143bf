package tls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// expiryWarningWindow is how close to NotAfter a certificate starts to be
// reported as expiring.
const expiryWarningWindow = 30 * 24 * time.Hour

// CertificateReport describes a certificate file from the point of view of
// a server-to-server endpoint for Domain.
type CertificateReport struct {
	File         string    `json:"file"`
	Domain       string    `json:"domain,omitempty"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	DNSNames     []string  `json:"dns_names,omitempty"`
	KeyAlgorithm string    `json:"key_algorithm"`
	KeySize      int       `json:"key_size,omitempty"`
	IsCA         bool      `json:"is_ca"`
	ExtKeyUsage  []string  `json:"ext_key_usage,omitempty"`
	SelfSigned   bool      `json:"self_signed"`
	ChainLength  int       `json:"chain_length"`
	// CoversDomain is true when the leaf names Domain.
	CoversDomain bool `json:"covers_domain"`
	// ServerToServer is true when the leaf may be presented both when
	// accepting and when initiating streams.
	ServerToServer bool     `json:"server_to_server"`
	Warnings       []string `json:"warnings,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Usable reports whether the certificate can serve its domain right now.
func (r *CertificateReport) Usable() bool {
	return len(r.Errors) == 0
}

// CertificateInspector reports on configured certificates.
type CertificateInspector struct {
	now func() time.Time
}

// NewCertificateInspector creates a new certificate inspector
func NewCertificateInspector() *CertificateInspector {
	return &CertificateInspector{now: time.Now}
}

// InspectCertificateFile reads a PEM file holding a leaf and optional chain.
// An empty domainName skips the name check.
func (ci *CertificateInspector) InspectCertificateFile(certFile, domainName string) (*CertificateReport, error) {
	data, err := os.ReadFile(filepath.Clean(certFile))
	if err != nil {
		return nil, NewCertificateLoadError(certFile, "", err)
	}
	report, err := ci.InspectCertificateData(data, domainName)
	if err != nil {
		return nil, NewCertificateLoadError(certFile, "", err)
	}
	report.File = certFile
	return report, nil
}

// InspectCertificateData inspects PEM data.
func (ci *CertificateInspector) InspectCertificateData(data []byte, domainName string) (*CertificateReport, error) {
	var chain []*x509.Certificate
	for rest := data; len(rest) > 0; {
		block, remaining := pem.Decode(rest)
		if block == nil {
			break
		}
		rest = remaining
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificates found")
	}

	leaf := chain[0]
	report := &CertificateReport{
		Domain:       domainName,
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		SerialNumber: leaf.SerialNumber.String(),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
		DNSNames:     leaf.DNSNames,
		KeyAlgorithm: leaf.PublicKeyAlgorithm.String(),
		KeySize:      keySize(leaf.PublicKey),
		IsCA:         leaf.IsCA,
		ExtKeyUsage:  extKeyUsageNames(leaf.ExtKeyUsage),
		SelfSigned:   isSelfSigned(leaf),
		ChainLength:  len(chain),
	}

	ci.checkValidity(report, leaf)
	checkUsage(report, leaf)
	if domainName != "" {
		report.CoversDomain = leaf.VerifyHostname(domainName) == nil
		if !report.CoversDomain {
			report.Errors = append(report.Errors, fmt.Sprintf("certificate does not name %s", domainName))
		}
	}
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("chain certificate %d is not signed by the next one", i))
		}
	}
	return report, nil
}

func (ci *CertificateInspector) checkValidity(report *CertificateReport, leaf *x509.Certificate) {
	now := ci.now()
	switch {
	case now.After(leaf.NotAfter):
		report.Errors = append(report.Errors, fmt.Sprintf("certificate expired on %s", leaf.NotAfter.Format(time.RFC3339)))
	case now.Before(leaf.NotBefore):
		report.Errors = append(report.Errors, fmt.Sprintf("certificate is not valid before %s", leaf.NotBefore.Format(time.RFC3339)))
	case leaf.NotAfter.Sub(now) < expiryWarningWindow:
		days := int(leaf.NotAfter.Sub(now).Hours() / 24)
		report.Warnings = append(report.Warnings, fmt.Sprintf("certificate expires in %d days", days))
	}

	if report.KeySize > 0 && leaf.PublicKeyAlgorithm == x509.RSA && report.KeySize < 2048 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("weak RSA key: %d bits", report.KeySize))
	}
	if strings.Contains(strings.ToLower(leaf.SignatureAlgorithm.String()), "sha1") {
		report.Warnings = append(report.Warnings, "SHA-1 signature algorithm is deprecated")
	}
}

// checkUsage flags leaves that peers will refuse in one direction. A
// server presents its certificate as a TLS server on inbound streams and
// may present it as a client on outbound ones.
func checkUsage(report *CertificateReport, leaf *x509.Certificate) {
	if len(leaf.ExtKeyUsage) == 0 {
		report.ServerToServer = true
		return
	}
	server := slices.Contains(leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth) || slices.Contains(leaf.ExtKeyUsage, x509.ExtKeyUsageAny)
	client := slices.Contains(leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth) || slices.Contains(leaf.ExtKeyUsage, x509.ExtKeyUsageAny)
	report.ServerToServer = server && client
	switch {
	case !server:
		report.Errors = append(report.Errors, "certificate lacks the serverAuth extended key usage")
	case !client:
		report.Warnings = append(report.Warnings, "certificate lacks clientAuth; peers cannot authenticate outbound streams with it")
	}
}

func extKeyUsageNames(usages []x509.ExtKeyUsage) []string {
	var names []string
	for _, usage := range usages {
		switch usage {
		case x509.ExtKeyUsageAny:
			names = append(names, "Any")
		case x509.ExtKeyUsageServerAuth:
			names = append(names, "Server Authentication")
		case x509.ExtKeyUsageClientAuth:
			names = append(names, "Client Authentication")
		case x509.ExtKeyUsageCodeSigning:
			names = append(names, "Code Signing")
		case x509.ExtKeyUsageEmailProtection:
			names = append(names, "Email Protection")
		case x509.ExtKeyUsageTimeStamping:
			names = append(names, "Time Stamping")
		case x509.ExtKeyUsageOCSPSigning:
			names = append(names, "OCSP Signing")
		default:
			names = append(names, fmt.Sprintf("Unknown (%d)", usage))
		}
	}
	return names
}

func isSelfSigned(cert *x509.Certificate) bool {
	if cert.Subject.String() != cert.Issuer.String() {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

func keySize(publicKey any) int {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}
