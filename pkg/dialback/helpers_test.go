package dialback

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-s2s/internal/stream"
	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

const (
	localDomain  = "example.org"
	remoteDomain = "remote.net"
	testSecret   = "s3cr3t"
)

// scriptedRead is one queued read: a header, an element or an error.
type scriptedRead struct {
	header *xmpp.StreamHeader
	el     *xmpp.Element
	err    error
}

type tlsCall struct {
	initiator bool
	direct    bool
}

// fakeConn is a scripted xmpp.Conn. Reads pop the queue in order; an
// exhausted queue behaves like a silent peer until the read timeout.
type fakeConn struct {
	sync.Mutex

	mu        sync.Mutex
	reads     []scriptedRead
	written   []string
	closes    int
	secure    bool
	certs     []*x509.Certificate
	tlsCalls  []tlsCall
	tlsErrs   []error
	closedCh  chan struct{}
	arrived   chan struct{}
	afterTLS  []scriptedRead
	writeHook func(string)
}

func newFakeConn(reads ...scriptedRead) *fakeConn {
	return &fakeConn{reads: reads, closedCh: make(chan struct{}), arrived: make(chan struct{}, 1)}
}

func (c *fakeConn) WriteRaw(s string) error {
	c.mu.Lock()
	closed := c.closes > 0
	if !closed {
		c.written = append(c.written, s)
	}
	hook := c.writeHook
	c.mu.Unlock()
	if closed {
		return domain.ErrConnectionClosed
	}
	if hook != nil {
		hook(s)
	}
	return nil
}

func (c *fakeConn) next(timeout time.Duration) (scriptedRead, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if c.closes > 0 {
			c.mu.Unlock()
			return scriptedRead{}, domain.ErrConnectionClosed
		}
		if len(c.reads) > 0 {
			r := c.reads[0]
			c.reads = c.reads[1:]
			c.mu.Unlock()
			return r, r.err
		}
		c.mu.Unlock()

		select {
		case <-timer.C:
			return scriptedRead{}, domain.ErrTimeout
		case <-c.closedCh:
			return scriptedRead{}, domain.ErrConnectionClosed
		case <-c.arrived:
		}
	}
}

// push queues more reads and wakes a blocked reader.
func (c *fakeConn) push(reads ...scriptedRead) {
	c.mu.Lock()
	c.reads = append(c.reads, reads...)
	c.mu.Unlock()
	select {
	case c.arrived <- struct{}{}:
	default:
	}
}

func (c *fakeConn) ReadHeader(timeout time.Duration) (*xmpp.StreamHeader, error) {
	r, err := c.next(timeout)
	if err != nil {
		return nil, err
	}
	if r.header == nil {
		return nil, domain.ErrUnexpectedElement
	}
	return r.header, nil
}

func (c *fakeConn) ReadElement(timeout time.Duration) (*xmpp.Element, error) {
	r, err := c.next(timeout)
	if err != nil {
		return nil, err
	}
	if r.el == nil {
		return nil, domain.ErrUnexpectedElement
	}
	return r.el, nil
}

func (c *fakeConn) StartTLS(_ context.Context, initiator, direct bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlsCalls = append(c.tlsCalls, tlsCall{initiator: initiator, direct: direct})
	if len(c.tlsErrs) > 0 {
		err := c.tlsErrs[0]
		c.tlsErrs = c.tlsErrs[1:]
		if err != nil {
			return err
		}
	}
	c.secure = true
	if c.afterTLS != nil {
		c.reads = c.afterTLS
		c.afterTLS = nil
	}
	return nil
}

func (c *fakeConn) IsSecure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

func (c *fakeConn) PeerCertificates() []*x509.Certificate { return c.certs }
func (c *fakeConn) RemoteAddr() string                    { return "192.0.2.10:5269" }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) Output() string {
	return strings.Join(c.Written(), "")
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) TLSCalls() []tlsCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tlsCall(nil), c.tlsCalls...)
}

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

// parse decodes a single element written the way a peer would, with the
// stream, server and dialback namespaces in scope.
func parse(t testingT, raw string) *xmpp.Element {
	t.Helper()
	doc := fmt.Sprintf(`<stream:stream xmlns:stream="%s" xmlns="%s" xmlns:db="%s">%s`,
		xmpp.NSStreams, xmpp.NSServer, xmpp.NSDialback, raw)
	dec := xmpp.NewDecoder(strings.NewReader(doc))
	_, err := dec.Header()
	require.NoError(t, err)
	el, err := dec.Element()
	require.NoError(t, err)
	return el
}

func header(version string, dialback bool, id string) scriptedRead {
	return scriptedRead{header: &xmpp.StreamHeader{
		From:     remoteDomain,
		To:       localDomain,
		ID:       id,
		Version:  version,
		Dialback: dialback,
	}}
}

func element(t testingT, raw string) scriptedRead {
	return scriptedRead{el: parse(t, raw)}
}

func failure(err error) scriptedRead {
	return scriptedRead{err: err}
}

const (
	featuresPlain    = `<stream:features><dialback xmlns="urn:xmpp:features:dialback"><errors/></dialback></stream:features>`
	featuresStartTLS = `<stream:features><starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"/><dialback xmlns="urn:xmpp:features:dialback"/></stream:features>`
	proceed          = `<proceed xmlns="urn:ietf:params:xml:ns:xmpp-tls"/>`
)

func verifyReply(from, to, id, typ string) string {
	return fmt.Sprintf(`<db:verify from="%s" to="%s" id="%s" type="%s"/>`, from, to, id, typ)
}

// fakeDialer hands out queued connections in order.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	targets []stream.Target
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, target stream.Target) (xmpp.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, fmt.Errorf("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) Targets() []stream.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]stream.Target(nil), d.targets...)
}

type staticResolver []stream.Target

func (r staticResolver) Resolve(context.Context, string, int) []stream.Target {
	return r
}

// staticKeys derives keys from a fixed secret.
type staticKeys string

func (k staticKeys) Key(_ context.Context, streamID string) (string, error) {
	return Digest(streamID, string(k)), nil
}

type hostSet map[string]bool

func (h hostSet) IsLocalHost(host string) bool { return h[host] }

type stubPolicy struct {
	deny map[string]bool
	port int
}

func (p stubPolicy) CanAccess(_ context.Context, remote string) bool { return !p.deny[remote] }
func (p stubPolicy) PortForServer(string) int                        { return p.port }

func localHosts() hostSet {
	return hostSet{localDomain: true}
}
