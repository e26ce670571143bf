package dialback

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-s2s/pkg/domain"
)

// Role labels.
const (
	RoleOriginating   = "originating"
	RoleReceiving     = "receiving"
	RoleAuthoritative = "authoritative"
)

// Metrics holds the Prometheus metrics for dialback. A nil *Metrics
// records nothing.
type Metrics struct {
	outcomes        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	fallbackRetries *prometheus.CounterVec
	streamErrors    *prometheus.CounterVec
	incomingActive  prometheus.Gauge
	outgoingTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s2s_dialback_outcomes_total",
				Help: "Dialback outcomes by role and result",
			},
			[]string{"role", "result"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s2s_dialback_duration_seconds",
				Help:    "Time spent per dialback operation in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"role"},
		),

		fallbackRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s2s_dialback_fallback_retries_total",
				Help: "Key verification retries after a TLS failure, by reason",
			},
			[]string{"reason"},
		),

		streamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s2s_dialback_errors_sent_total",
				Help: "Stream and stanza errors sent to peers, by kind and condition",
			},
			[]string{"kind", "condition"},
		),

		incomingActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "s2s_incoming_streams_active",
				Help: "Number of inbound server streams currently open",
			},
		),

		outgoingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s2s_outgoing_sessions_total",
				Help: "Outgoing session attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.outcomes,
		m.duration,
		m.fallbackRetries,
		m.streamErrors,
		m.incomingActive,
		m.outgoingTotal,
	)

	return m
}

// RecordOutcome records the terminal result of one role's operation.
func (m *Metrics) RecordOutcome(role string, result domain.VerifyResult, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(role, result.String()).Inc()
	m.duration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordFallbackRetry records a single TLS fallback retry.
func (m *Metrics) RecordFallbackRetry(reason string) {
	if m == nil {
		return
	}
	m.fallbackRetries.WithLabelValues(reason).Inc()
}

// RecordErrorSent records an error element sent to a peer.
func (m *Metrics) RecordErrorSent(kind domain.ErrorKind, condition string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(string(kind), condition).Inc()
}

// IncomingOpened and IncomingClosed track open inbound streams.
func (m *Metrics) IncomingOpened() {
	if m == nil {
		return
	}
	m.incomingActive.Inc()
}

func (m *Metrics) IncomingClosed() {
	if m == nil {
		return
	}
	m.incomingActive.Dec()
}

// RecordOutgoing records an outgoing session attempt.
func (m *Metrics) RecordOutgoing(success bool) {
	if m == nil {
		return
	}
	status := "failure"
	if success {
		status = "success"
	}
	m.outgoingTotal.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
