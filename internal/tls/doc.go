// Package tls builds the TLS configurations used on server-to-server streams,
// classifies handshake failures into a structured taxonomy, and verifies peer
// certificate chains for certificate-based (strong) authentication.
package tls
