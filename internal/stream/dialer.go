package stream

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// DefaultConnectTimeout bounds TCP connection establishment.
const DefaultConnectTimeout = 10 * time.Second

// Target is one candidate endpoint for a remote domain.
type Target struct {
	Host string
	Port int
	// DirectTLS requests a TLS handshake before any XML is exchanged.
	DirectTLS bool
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	if t.DirectTLS {
		return t.Addr() + " (direct tls)"
	}
	return t.Addr()
}

// Dialer opens outbound streams.
type Dialer struct {
	ConnectTimeout time.Duration
	// Options is the template for every dialled Conn. ServerName is set to
	// the remote domain.
	Options Options

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns a Dialer using net.Dialer.
func NewDialer(connectTimeout time.Duration, opts Options) *Dialer {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	nd := &net.Dialer{Timeout: connectTimeout}
	return &Dialer{ConnectTimeout: connectTimeout, Options: opts, dial: nd.DialContext}
}

// Dial connects to target on behalf of remoteDomain. A Direct TLS target
// is not upgraded here; the caller performs the handshake so that
// failures can drive its fallback policy.
func (d *Dialer) Dial(ctx context.Context, remoteDomain string, target Target) (xmpp.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.ConnectTimeout)
	defer cancel()

	nc, err := d.dial(dialCtx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s for %s: %w", target, remoteDomain, err)
	}

	opts := d.Options
	opts.ServerName = remoteDomain
	return NewConn(nc, opts), nil
}
