// Package governance holds runtime safety controls for stream handling: a
// per-address token bucket guarding the inbound listeners, and per-endpoint
// circuit breakers guarding outbound connection attempts.
package governance
