package xmpp

import (
	"context"
	"crypto/x509"
	"sync"
	"time"
)

// Conn is a server-to-server stream connection.
//
// The embedded Locker is held by a role for the duration of one
// request/response exchange so reads on one connection are never
// interleaved. Close is idempotent and unblocks any pending read.
type Conn interface {
	sync.Locker

	// WriteRaw writes pre-rendered XML to the peer.
	WriteRaw(s string) error
	// ReadHeader reads the peer's stream header. A zero timeout uses the
	// connection default.
	ReadHeader(timeout time.Duration) (*StreamHeader, error)
	// ReadElement reads the next top-level element.
	ReadElement(timeout time.Duration) (*Element, error)
	// StartTLS performs the TLS handshake and restarts the XML stream.
	// direct marks a handshake performed before any XML was exchanged.
	StartTLS(ctx context.Context, initiator, direct bool) error
	IsSecure() bool
	PeerCertificates() []*x509.Certificate
	RemoteAddr() string
	Close() error
}
