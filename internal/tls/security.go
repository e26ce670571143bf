package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// SecurityDefaults provides secure default configurations for TLS
type SecurityDefaults struct {
	// Secure cipher suites ordered by preference (strongest first)
	SecureCipherSuites []uint16
	// Minimum TLS version for security
	MinTLSVersion uint16
}

// GetSecurityDefaults returns the recommended secure defaults for TLS configuration
func GetSecurityDefaults() *SecurityDefaults {
	return &SecurityDefaults{
		// TLS 1.3 suites are not configurable and always enabled.
		SecureCipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		MinTLSVersion: tls.VersionTLS12,
	}
}

// ApplySecureDefaults applies secure defaults to a TLS configuration
func ApplySecureDefaults(config *tls.Config, defaults *SecurityDefaults) {
	if config == nil || defaults == nil {
		return
	}

	if len(config.CipherSuites) == 0 {
		config.CipherSuites = defaults.SecureCipherSuites
	}

	if config.MinVersion == 0 || config.MinVersion < defaults.MinTLSVersion {
		config.MinVersion = defaults.MinTLSVersion
	}

	config.Renegotiation = tls.RenegotiateNever
}

// ParseMinVersion converts "1.2" or "1.3" into a tls version constant. An
// empty string yields zero, which ApplySecureDefaults raises to TLS 1.2.
func ParseMinVersion(v string) (uint16, error) {
	switch strings.TrimSpace(v) {
	case "":
		return 0, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q (use 1.2 or 1.3)", v)
	}
}

// VersionName returns a short name for a negotiated protocol version.
func VersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "1.0"
	case tls.VersionTLS11:
		return "1.1"
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS13:
		return "1.3"
	default:
		return fmt.Sprintf("unknown(0x%04x)", v)
	}
}
