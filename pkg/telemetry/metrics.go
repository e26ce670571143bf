package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ConnectionOutcome classifies how an inbound connection ended.
type ConnectionOutcome string

const (
	OutcomeCompleted   ConnectionOutcome = "completed"
	OutcomeRateLimited ConnectionOutcome = "rate_limited"
	OutcomePanic       ConnectionOutcome = "panic"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	connectionCounter    metric.Int64Counter
	rateLimitedCounter   metric.Int64Counter
	connectionDurationMS metric.Float64Histogram
)

// ConnectionMetrics captures one inbound connection on a listener.
type ConnectionMetrics struct {
	// Listener is "plain" or "direct_tls".
	Listener string
	Outcome  ConnectionOutcome
	Duration time.Duration
}

// RecordConnection emits counters and histograms that describe listener behaviour.
func RecordConnection(ctx context.Context, m ConnectionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("s2s.listener", m.Listener),
		attribute.String("s2s.connection.outcome", string(m.Outcome)),
	)

	connectionCounter.Add(ctx, 1, attrs)
	if m.Outcome == OutcomeRateLimited {
		rateLimitedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("s2s.listener", m.Listener)))
	}
	if m.Duration > 0 {
		connectionDurationMS.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("s2s.listener")

		connectionCounter, metricsInitErr = meter.Int64Counter(
			"s2s.connections_total",
			metric.WithDescription("Inbound server-to-server connections partitioned by outcome"),
			metric.WithUnit("{connection}"),
		)
		if metricsInitErr != nil {
			return
		}

		rateLimitedCounter, metricsInitErr = meter.Int64Counter(
			"s2s.connections_rate_limited_total",
			metric.WithDescription("Inbound connections refused by the per-address rate limiter"),
			metric.WithUnit("{connection}"),
		)
		if metricsInitErr != nil {
			return
		}

		connectionDurationMS, metricsInitErr = meter.Float64Histogram(
			"s2s.connection.duration_ms",
			metric.WithDescription("Lifetime of inbound connections"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordAccessDecision attaches the access policy outcome for a remote
// domain to span.
func RecordAccessDecision(span trace.Span, remoteDomain string, allowed bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("s2s.remote_domain", remoteDomain),
		attribute.Bool("s2s.access.allowed", allowed),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("s2s.access.reason", reason))
	}

	span.AddEvent("s2s.access_decision", trace.WithAttributes(attrs...))
}
