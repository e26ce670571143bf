package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// resetMetrics drops cached instruments so they bind to a fresh provider.
func resetMetrics() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	connectionCounter = nil
	rateLimitedCounter = nil
	connectionDurationMS = nil
}

func TestRecordConnection(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		resetMetrics()
	})

	resetMetrics()

	RecordConnection(ctx, ConnectionMetrics{Listener: "plain", Outcome: OutcomeCompleted, Duration: 150 * time.Millisecond})
	RecordConnection(ctx, ConnectionMetrics{Listener: "direct_tls", Outcome: OutcomeRateLimited})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	total, ok := metrics["s2s.connections_total"]
	if !ok {
		t.Fatalf("missing s2s.connections_total metric")
	}
	totalData, ok := total.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for connections metric")
	}
	if len(totalData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(totalData.DataPoints))
	}

	limited, ok := metrics["s2s.connections_rate_limited_total"]
	if !ok {
		t.Fatalf("missing s2s.connections_rate_limited_total metric")
	}
	limitedData := limited.Data.(metricdata.Sum[int64])
	if limitedData.DataPoints[0].Value != 1 {
		t.Fatalf("expected rate limited count 1, got %d", limitedData.DataPoints[0].Value)
	}
	if value, ok := limitedData.DataPoints[0].Attributes.Value(attribute.Key("s2s.listener")); !ok || value.AsString() != "direct_tls" {
		t.Fatalf("expected s2s.listener attribute to be direct_tls, got %v", value)
	}

	hist, ok := metrics["s2s.connection.duration_ms"]
	if !ok {
		t.Fatalf("missing s2s.connection.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordAccessDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "dialback.validate_remote_domain")
	RecordAccessDecision(span, "spam.example", false, "remote server is blocked")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 access event, got %d", len(events))
	}
	if events[0].Name != "s2s.access_decision" {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("s2s.access.allowed")); !ok || value.AsBool() {
		t.Fatalf("expected s2s.access.allowed attribute false")
	}
	if value, ok := attrs.Value(attribute.Key("s2s.access.reason")); !ok || value.AsString() != "remote server is blocked" {
		t.Fatalf("expected reason, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSetupProviderWithoutEndpointEmptyConfig(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
