package session

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

type recordingConn struct {
	sync.Mutex
	written []string
	closed  int
}

func (c *recordingConn) WriteRaw(s string) error {
	c.written = append(c.written, s)
	return nil
}
func (c *recordingConn) ReadHeader(time.Duration) (*xmpp.StreamHeader, error) {
	return nil, domain.ErrConnectionClosed
}
func (c *recordingConn) ReadElement(time.Duration) (*xmpp.Element, error) {
	return nil, domain.ErrConnectionClosed
}
func (c *recordingConn) StartTLS(context.Context, bool, bool) error { return nil }
func (c *recordingConn) IsSecure() bool                             { return false }
func (c *recordingConn) PeerCertificates() []*x509.Certificate      { return nil }
func (c *recordingConn) RemoteAddr() string                         { return "192.0.2.1:5269" }
func (c *recordingConn) Close() error                               { c.closed++; return nil }

func TestRegistry_RegisterValidatedDomain(t *testing.T) {
	r := NewRegistry(false, nil)
	conn := &recordingConn{}
	s := r.OpenIncoming("stream-1", conn)
	assert.Equal(t, "192.0.2.1:5269", s.RemoteAddr)

	pair := domain.DomainPair{Local: "example.org", Remote: "remote.net"}
	assert.False(t, r.HasIncomingSession("remote.net", "example.org"))

	require.NoError(t, r.RegisterValidatedDomain("stream-1", pair, domain.AuthDialback))
	assert.True(t, r.HasIncomingSession("remote.net", "example.org"))
	assert.False(t, r.HasIncomingSession("example.org", "remote.net"))
	assert.True(t, s.IsValidated("example.org", "remote.net"))

	method, ok := s.AuthMethod(pair)
	require.True(t, ok)
	assert.Equal(t, domain.AuthDialback, method)

	r.RemoveIncoming("stream-1")
	assert.False(t, r.HasIncomingSession("remote.net", "example.org"))
}

func TestRegistry_RegisterUnknownStream(t *testing.T) {
	r := NewRegistry(true, nil)
	err := r.RegisterValidatedDomain("missing", domain.DomainPair{Local: "a", Remote: "b"}, domain.AuthDialback)
	assert.ErrorIs(t, err, ErrUnknownStream)
	assert.True(t, r.AllowsMultipleConnections())
}

func TestRegistry_RegisterRejectsSecondStream(t *testing.T) {
	pair := domain.DomainPair{Local: "example.org", Remote: "remote.net"}

	r := NewRegistry(false, nil)
	r.OpenIncoming("stream-1", nil)
	second := r.OpenIncoming("stream-2", nil)
	require.NoError(t, r.RegisterValidatedDomain("stream-1", pair, domain.AuthDialback))
	require.NoError(t, r.RegisterValidatedDomain("stream-1", pair, domain.AuthDialback))

	err := r.RegisterValidatedDomain("stream-2", pair, domain.AuthDialback)
	assert.ErrorIs(t, err, domain.ErrSessionExists)
	assert.False(t, second.HasValidatedDomain())

	r = NewRegistry(true, nil)
	r.OpenIncoming("stream-1", nil)
	r.OpenIncoming("stream-2", nil)
	require.NoError(t, r.RegisterValidatedDomain("stream-1", pair, domain.AuthDialback))
	assert.NoError(t, r.RegisterValidatedDomain("stream-2", pair, domain.AuthDialback))
}

func TestRegistry_ConcurrentRegistrationAdmitsOneStream(t *testing.T) {
	pair := domain.DomainPair{Local: "example.org", Remote: "remote.net"}
	r := NewRegistry(false, nil)

	const streams = 8
	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for i := 0; i < streams; i++ {
		id := domain.StreamID(fmt.Sprintf("stream-%d", i))
		r.OpenIncoming(id, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.RegisterValidatedDomain(id, pair, domain.AuthDialback)
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrSessionExists)
	}
	assert.Equal(t, 1, ok)
}

func TestRegistry_SubsequentDomainsShareStream(t *testing.T) {
	r := NewRegistry(false, nil)
	s := r.OpenIncoming("stream-1", nil)
	require.NoError(t, r.RegisterValidatedDomain("stream-1", domain.DomainPair{Local: "example.org", Remote: "a.net"}, domain.AuthDialback))
	require.NoError(t, r.RegisterValidatedDomain("stream-1", domain.DomainPair{Local: "muc.example.org", Remote: "a.net"}, domain.AuthCertificate))

	assert.Len(t, s.Pairs(), 2)
	st := r.Stats()
	assert.Equal(t, 1, st.Incoming)
	assert.Len(t, st.IncomingPairs, 2)
}

func TestRegistry_OutgoingReplacementClosesPrevious(t *testing.T) {
	r := NewRegistry(false, nil)
	pair := domain.DomainPair{Local: "example.org", Remote: "remote.net"}

	first := &recordingConn{}
	second := &recordingConn{}
	r.AddOutgoing(pair, NewOutgoingSession(first, pair, "s1"))
	r.AddOutgoing(pair, NewOutgoingSession(second, pair, "s2"))

	assert.Equal(t, 1, first.closed)
	assert.Contains(t, first.written, xmpp.StreamClose)

	got, ok := r.Outgoing(pair)
	require.True(t, ok)
	assert.Equal(t, domain.StreamID("s2"), got.StreamID)
	assert.True(t, got.IsAuthenticated(pair))

	r.RemoveOutgoing(pair)
	_, ok = r.Outgoing(pair)
	assert.False(t, ok)
	assert.Equal(t, 0, second.closed)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(false, nil)
	in := &recordingConn{}
	out := &recordingConn{}
	pair := domain.DomainPair{Local: "example.org", Remote: "remote.net"}
	r.OpenIncoming("in", in)
	r.AddOutgoing(pair, NewOutgoingSession(out, pair, "out"))

	r.CloseAll()

	assert.Equal(t, 1, in.closed)
	assert.Equal(t, 1, out.closed)
	st := r.Stats()
	assert.Zero(t, st.Incoming)
	assert.Zero(t, st.Outgoing)
}

func TestLocalHosts(t *testing.T) {
	h := NewLocalHosts("Example.org", []string{"conference", "pubsub.example.org", ""})

	assert.True(t, h.IsLocalHost("example.org"))
	assert.True(t, h.IsLocalHost("EXAMPLE.ORG."))
	assert.True(t, h.IsLocalHost("conference.example.org"))
	assert.True(t, h.IsLocalHost("pubsub.example.org"))
	assert.False(t, h.IsLocalHost("other.example.org"))
	assert.False(t, h.IsLocalHost(""))
	assert.False(t, h.IsLocalHost("remote.net"))
}
