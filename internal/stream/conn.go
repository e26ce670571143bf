package stream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	tlspkg "github.com/polisai/polis-s2s/internal/tls"
	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// DefaultReadTimeout bounds every read when no explicit timeout is given.
const DefaultReadTimeout = 120 * time.Second

// Options configure a Conn.
type Options struct {
	// ReadTimeout is the default bound for reads and writes.
	ReadTimeout time.Duration
	// ServerTLS is used when this side accepts a TLS upgrade.
	ServerTLS *tls.Config
	// ClientTLS is used when this side initiates a TLS upgrade. ServerName
	// is overridden with the peer domain.
	ClientTLS *tls.Config
	// ServerName is the peer domain presented via SNI when initiating TLS.
	ServerName string
	// Limits bound every element read from the peer. A peer that exceeds
	// them gets a policy-violation stream error and the connection closes.
	Limits  xmpp.Limits
	Logger  *slog.Logger
	Metrics *tlspkg.TLSMetricsCollector
}

// Conn is a TCP backed xmpp.Conn.
type Conn struct {
	exchange sync.Mutex
	writeMu  sync.Mutex

	stateMu   sync.Mutex
	raw       net.Conn
	dec       *xmpp.Decoder
	secure    bool
	peerCerts []*x509.Certificate

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	opts   Options
	logger *slog.Logger
	tlsLog *tlspkg.TLSLogger
}

var _ xmpp.Conn = (*Conn)(nil)

// NewConn wraps c.
func NewConn(c net.Conn, opts Options) *Conn {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		raw:    c,
		dec:    xmpp.NewLimitedDecoder(c, opts.Limits),
		opts:   opts,
		logger: logger.With("component", "stream", "remote_addr", c.RemoteAddr().String()),
		tlsLog: tlspkg.NewTLSLogger(logger),
	}
}

func (c *Conn) Lock()   { c.exchange.Lock() }
func (c *Conn) Unlock() { c.exchange.Unlock() }

func (c *Conn) current() (net.Conn, *xmpp.Decoder) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.raw, c.dec
}

// WriteRaw writes s under the write deadline.
func (c *Conn) WriteRaw(s string) error {
	if c.closed.Load() {
		return domain.ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	raw, _ := c.current()
	if err := raw.SetWriteDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
		return c.wrapErr(err)
	}
	if _, err := raw.Write([]byte(s)); err != nil {
		return c.wrapErr(err)
	}
	c.logger.Debug("sent", "bytes", len(s))
	return nil
}

// ReadHeader reads the peer's stream header.
func (c *Conn) ReadHeader(timeout time.Duration) (*xmpp.StreamHeader, error) {
	raw, dec := c.current()
	if err := c.setReadDeadline(raw, timeout); err != nil {
		return nil, err
	}
	h, err := dec.Header()
	if err != nil {
		return nil, c.readFailed(err)
	}
	return h, nil
}

// ReadElement reads the next top-level element.
func (c *Conn) ReadElement(timeout time.Duration) (*xmpp.Element, error) {
	raw, dec := c.current()
	if err := c.setReadDeadline(raw, timeout); err != nil {
		return nil, err
	}
	el, err := dec.Element()
	if err != nil {
		return nil, c.readFailed(err)
	}
	c.logger.Debug("received", "element", el.Name.Local, "namespace", el.Name.Space)
	return el, nil
}

// readFailed ends the stream with policy-violation when the peer exceeded
// the element limits.
func (c *Conn) readFailed(err error) error {
	if errors.Is(err, domain.ErrLimitExceeded) {
		c.logger.Warn("peer exceeded element limits", "error", err)
		_ = c.WriteRaw(xmpp.StreamError(xmpp.StreamPolicyViolation, "Element too large"))
		_ = c.Close()
		return err
	}
	return c.wrapErr(err)
}

func (c *Conn) setReadDeadline(raw net.Conn, timeout time.Duration) error {
	if c.closed.Load() {
		return domain.ErrConnectionClosed
	}
	if timeout <= 0 {
		timeout = c.opts.ReadTimeout
	}
	if err := raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// StartTLS upgrades the transport and restarts the XML stream. Handshake
// failures are returned as *tls.TLSError.
func (c *Conn) StartTLS(ctx context.Context, initiator, direct bool) error {
	raw, _ := c.current()

	c.stateMu.Lock()
	secure := c.secure
	c.stateMu.Unlock()
	if secure {
		return errors.New("stream is already encrypted")
	}

	var tlsConn *tls.Conn
	if initiator {
		if c.opts.ClientTLS == nil {
			return tlspkg.NewConfigMissingError("client tls")
		}
		cfg := c.opts.ClientTLS.Clone()
		if c.opts.ServerName != "" {
			cfg.ServerName = c.opts.ServerName
		}
		tlsConn = tls.Client(raw, cfg)
	} else {
		if c.opts.ServerTLS == nil {
			return tlspkg.NewConfigMissingError("server tls")
		}
		tlsConn = tls.Server(raw, c.opts.ServerTLS)
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()

	start := time.Now()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		tlsErr := tlspkg.ClassifyHandshakeError(err, c.RemoteAddr(), direct)
		c.tlsLog.LogHandshakeFailure(ctx, c.RemoteAddr(), tlsErr, direct, time.Since(start))
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordHandshakeError(ctx, tlsErr.Type, direct)
		}
		return tlsErr
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return c.wrapErr(err)
	}

	state := tlsConn.ConnectionState()
	c.tlsLog.LogHandshakeSuccess(ctx, state, c.RemoteAddr(), initiator, direct, time.Since(start))
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordHandshakeSuccess(ctx, state, direct, time.Since(start))
	}

	c.stateMu.Lock()
	c.raw = tlsConn
	c.dec = xmpp.NewLimitedDecoder(tlsConn, c.opts.Limits)
	c.secure = true
	c.peerCerts = state.PeerCertificates
	c.stateMu.Unlock()
	return nil
}

// IsSecure reports whether TLS has been negotiated.
func (c *Conn) IsSecure() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.secure
}

// PeerCertificates returns the chain presented by the peer, if any.
func (c *Conn) PeerCertificates() []*x509.Certificate {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.peerCerts
}

func (c *Conn) RemoteAddr() string {
	raw, _ := c.current()
	return raw.RemoteAddr().String()
}

// Close closes the transport once. Blocked reads return
// domain.ErrConnectionClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		raw, _ := c.current()
		c.closeErr = raw.Close()
		c.logger.Debug("connection closed")
	})
	return c.closeErr
}

func (c *Conn) wrapErr(err error) error {
	switch {
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrConnectionClosed), errors.Is(err, domain.ErrStreamClosed):
		return err
	case c.closed.Load():
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}
	return err
}
