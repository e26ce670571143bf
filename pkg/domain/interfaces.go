package domain

import (
	"context"
	"crypto/x509"
)

// AccessPolicy decides which remote domains may talk to this server.
type AccessPolicy interface {
	CanAccess(ctx context.Context, remoteDomain string) bool
	// PortForServer returns the configured port override for a remote
	// domain, or zero when the default resolution applies.
	PortForServer(remoteDomain string) int
}

// CertificateVerifier is the strong-auth capability: it reports whether a
// presented certificate chain independently proves the expected domain.
type CertificateVerifier interface {
	VerifyCertificates(chain []*x509.Certificate, expectedDomain string, s2s bool) bool
}

// HostRecognizer reports whether a host name is served locally (the server
// domain, one of its components, or a virtual host).
type HostRecognizer interface {
	IsLocalHost(host string) bool
}

// SessionRegistry is the long-term store of validated domains.
type SessionRegistry interface {
	HasIncomingSession(remoteDomain, localDomain string) bool
	AllowsMultipleConnections() bool
	RegisterValidatedDomain(streamID StreamID, pair DomainPair, method AuthMethod) error
}

// Cache is the cluster-wide key/value store holding the shared secret.
// Lock acquires a mutual-exclusion lock scoped to key and returns the
// function releasing it.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Lock(ctx context.Context, key string) (func(), error)
}
