package tls

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	tlsMetricsInst *TLSMetricsCollector
)

// TLSMetricsCollector handles TLS-specific metrics collection
type TLSMetricsCollector struct {
	handshakesTotal       metric.Int64Counter
	handshakeErrors       metric.Int64Counter
	handshakeDuration     metric.Float64Histogram
	certificateValidation metric.Int64Counter
	certificateReloads    metric.Int64Counter

	logger *slog.Logger
}

// GetTLSMetricsCollector returns the singleton TLS metrics collector
func GetTLSMetricsCollector(logger *slog.Logger) (*TLSMetricsCollector, error) {
	metricsOnce.Do(func() {
		tlsMetricsInst, metricsInitErr = newTLSMetricsCollector(logger)
	})
	return tlsMetricsInst, metricsInitErr
}

func newTLSMetricsCollector(logger *slog.Logger) (*TLSMetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("s2s.tls")

	collector := &TLSMetricsCollector{
		logger: logger,
	}

	var err error

	collector.handshakesTotal, err = meter.Int64Counter(
		"s2s_tls_handshakes_total",
		metric.WithDescription("Total number of completed TLS handshakes on server-to-server streams"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeErrors, err = meter.Int64Counter(
		"s2s_tls_handshake_errors_total",
		metric.WithDescription("Total number of TLS handshake errors by classified type"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"s2s_tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.certificateValidation, err = meter.Int64Counter(
		"s2s_tls_certificate_validation_total",
		metric.WithDescription("Total number of peer certificate validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, err
	}

	collector.certificateReloads, err = meter.Int64Counter(
		"s2s_tls_certificate_reloads_total",
		metric.WithDescription("Total number of local certificate reload attempts"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordHandshakeSuccess records a successful TLS handshake
func (c *TLSMetricsCollector) RecordHandshakeSuccess(ctx context.Context, state tls.ConnectionState, direct bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tls_version", VersionName(state.Version)),
		attribute.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
		attribute.Bool("direct_tls", direct),
	)

	c.handshakesTotal.Add(ctx, 1, attrs)
	c.handshakeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordHandshakeError records a TLS handshake error
func (c *TLSMetricsCollector) RecordHandshakeError(ctx context.Context, errorType TLSErrorType, direct bool) {
	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", string(errorType)),
		attribute.Bool("direct_tls", direct),
	))
}

// RecordCertificateValidation records a certificate validation attempt
func (c *TLSMetricsCollector) RecordCertificateValidation(ctx context.Context, success bool) {
	c.certificateValidation.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))

	if !success {
		c.logger.Debug("Certificate validation failed")
	}
}

// RecordCertificateReload records a reload of the local certificate.
func (c *TLSMetricsCollector) RecordCertificateReload(ctx context.Context, success bool) {
	c.certificateReloads.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}
