// Package telemetry wires OpenTelemetry tracing and listener metrics for the
// server-to-server service.
//
// SetupProvider installs the OTLP trace exporter. RecordConnection and
// RecordAccessDecision attach listener and access-policy outcomes to the
// global meter and to the active dialback span.
package telemetry
