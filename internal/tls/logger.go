package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"
)

// TLSLogger provides structured logging for TLS events
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "tls"),
	}
}

// LogHandshakeSuccess logs a successful TLS handshake
func (l *TLSLogger) LogHandshakeSuccess(ctx context.Context, state tls.ConnectionState, remoteAddr string, initiator, direct bool, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("event", "handshake_success"),
		slog.String("remote_addr", remoteAddr),
		slog.String("tls_version", VersionName(state.Version)),
		slog.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("server_name", state.ServerName),
		slog.Bool("initiator", initiator),
		slog.Bool("direct_tls", direct),
		slog.Duration("handshake_duration", duration),
	}

	if len(state.PeerCertificates) > 0 {
		attrs = append(attrs,
			slog.Int("peer_cert_count", len(state.PeerCertificates)),
			slog.String("peer_subject", state.PeerCertificates[0].Subject.String()),
		)
	}

	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS handshake completed", attrs...)
}

// LogHandshakeFailure logs a failed TLS handshake
func (l *TLSLogger) LogHandshakeFailure(ctx context.Context, remoteAddr string, tlsErr *TLSError, direct bool, duration time.Duration) {
	l.logger.LogAttrs(ctx, GetErrorSeverity(tlsErr).Level(), "TLS handshake failed",
		slog.String("event", "handshake_failure"),
		slog.String("remote_addr", remoteAddr),
		slog.String("error_type", string(tlsErr.Type)),
		slog.Bool("direct_tls", direct),
		slog.String("error", tlsErr.Error()),
		slog.Duration("handshake_duration", duration),
	)
}

// LogCertificateValidation logs certificate validation events
func (l *TLSLogger) LogCertificateValidation(ctx context.Context, domainName string, cert *x509.Certificate, success bool, err error) {
	level := slog.LevelDebug
	message := "Certificate validation successful"

	if !success {
		level = slog.LevelInfo
		message = "Certificate validation failed"
	}

	attrs := []slog.Attr{
		slog.String("event", "certificate_validation"),
		slog.String("domain", domainName),
		slog.Bool("success", success),
	}

	if cert != nil {
		attrs = append(attrs,
			slog.String("subject", cert.Subject.String()),
			slog.String("issuer", cert.Issuer.String()),
			slog.Time("not_after", cert.NotAfter),
			slog.Any("dns_names", cert.DNSNames),
		)
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}
