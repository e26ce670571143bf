package tls

import (
	"crypto/tls"
	"fmt"
)

// Config contains shared TLS settings for both client and server contexts.
type Config struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
	MinVersion   uint16
}

// BuildServer constructs the configuration for inbound streams, both
// StartTLS upgrades and Direct TLS listeners. Client certificates are
// requested but not verified here; CertVerifier decides whether a chain
// authenticates the peer domain.
func BuildServer(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, NewConfigMissingError("cert_file/key_file")
	}
	certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, NewCertificateLoadError(cfg.CertFile, cfg.KeyFile, err)
	}

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   cfg.MinVersion,
		ClientAuth:   tls.RequestClientCert,
	}
	ApplySecureDefaults(serverConfig, GetSecurityDefaults())
	return serverConfig, nil
}

// BuildClient constructs the configuration for outbound streams to
// serverName. The handshake does not authenticate the peer: identity is
// established by dialback or by CertVerifier on the resulting chain.
func BuildClient(cfg Config, serverName string) (*tls.Config, error) {
	clientConfig := &tls.Config{
		MinVersion:         cfg.MinVersion,
		ServerName:         serverName,
		InsecureSkipVerify: true, //nolint:gosec // peer identity is verified by dialback
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("both CertFile and KeyFile are required when supplying client certificates")
		}
		certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, NewCertificateLoadError(cfg.CertFile, cfg.KeyFile, err)
		}
		clientConfig.Certificates = []tls.Certificate{certificate}
	}

	ApplySecureDefaults(clientConfig, GetSecurityDefaults())
	return clientConfig, nil
}
