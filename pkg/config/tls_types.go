package config

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/polisai/polis-s2s/pkg/domain"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion. Versions below 1.2 are
// rejected.
func ParseTLSVersion(version string) (TLSVersion, error) {
	normalized := strings.TrimSpace(version)
	if normalized == "" {
		return TLSVersion12, nil
	}
	switch TLSVersion(normalized) {
	case TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	case "1.0", "1.1":
		return "", fmt.Errorf("TLS version %q is deprecated and insecure", version)
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// Uint16 returns the crypto/tls constant for v.
func (v TLSVersion) Uint16() uint16 {
	if v == TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// TLSConfig configures stream encryption for both StartTLS upgrades and
// the Direct TLS listener.
type TLSConfig struct {
	// Policy is disabled, optional or required.
	Policy     domain.TLSPolicy `yaml:"policy" json:"policy"`
	CertFile   string           `yaml:"cert_file" json:"cert_file"`
	KeyFile    string           `yaml:"key_file" json:"key_file"`
	MinVersion string           `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	// CertificateAuth lets a peer certificate authenticate its domain
	// without a dialback round trip.
	CertificateAuth bool         `yaml:"certificate_auth" json:"certificate_auth"`
	TrustBundle     *TrustBundle `yaml:"trust_bundle,omitempty" json:"trust_bundle,omitempty"`
	// WatchCertificates reloads the certificate when its files change.
	WatchCertificates bool `yaml:"watch_certificates" json:"watch_certificates"`
}

// Available reports whether a certificate is configured and the policy
// permits TLS.
func (c *TLSConfig) Available() bool {
	return c.Policy != domain.TLSDisabled &&
		strings.TrimSpace(c.CertFile) != "" &&
		strings.TrimSpace(c.KeyFile) != ""
}

// Version returns the parsed minimum version, defaulting to 1.2.
func (c *TLSConfig) Version() TLSVersion {
	v, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return TLSVersion12
	}
	return v
}

// Validate checks the TLS configuration.
func (c *TLSConfig) Validate() error {
	policy := domain.TLSPolicy(strings.ToLower(strings.TrimSpace(string(c.Policy))))
	switch policy {
	case "":
		policy = domain.TLSOptional
	case domain.TLSDisabled, domain.TLSOptional, domain.TLSRequired:
	default:
		return NewConfigValidationError("tls.policy", c.Policy, "unknown TLS policy").
			WithSuggestion("Use one of: disabled, optional, required")
	}
	c.Policy = policy

	hasCert := strings.TrimSpace(c.CertFile) != ""
	hasKey := strings.TrimSpace(c.KeyFile) != ""
	if hasCert != hasKey {
		field := "key_file"
		if !hasCert {
			field = "cert_file"
		}
		return NewConfigMissingError("tls." + field).
			WithSuggestion("Provide both cert_file and key_file in PEM format")
	}
	if policy == domain.TLSRequired && !hasCert {
		return NewConfigMissingError("tls.cert_file").
			WithSuggestion("A certificate is needed when the TLS policy is required").
			WithSuggestion("Generate one with `polis-s2s gencert`")
	}

	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("tls.min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use TLS 1.2 or 1.3")
	}

	if c.CertificateAuth && c.TrustBundle != nil {
		if err := c.TrustBundle.Validate(); err != nil {
			return err
		}
	}
	return nil
}
