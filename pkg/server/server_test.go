package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-s2s/internal/stream"
	tlspkg "github.com/polisai/polis-s2s/internal/tls"
	"github.com/polisai/polis-s2s/pkg/config"
	"github.com/polisai/polis-s2s/pkg/dialback"
	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/session"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// staticResolver points domains at loopback listeners.
type staticResolver struct {
	mu      sync.Mutex
	targets map[string]stream.Target
}

func newStaticResolver() *staticResolver {
	return &staticResolver{targets: make(map[string]stream.Target)}
}

func (r *staticResolver) set(name, addr string) { r.setTarget(name, addr, false) }

func (r *staticResolver) setTarget(name, addr string, direct bool) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	p, _ := strconv.Atoi(port)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = stream.Target{Host: host, Port: p, DirectTLS: direct}
}

func (r *staticResolver) Resolve(_ context.Context, name string, _ int) []stream.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[name]
	if !ok {
		return nil
	}
	return []stream.Target{target}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(name string) *config.Config {
	cfg := config.Default()
	cfg.Server.Domain = name
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.AdminAddress = "127.0.0.1:0"
	cfg.Server.TLS.Policy = domain.TLSDisabled
	cfg.Dialback.ReadTimeout = 5 * time.Second
	cfg.Dialback.ValidationTimeout = 5 * time.Second
	cfg.Dialback.ConnectTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, resolver *staticResolver, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithResolver(resolver)}, opts...)
	s, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	resolver.set(cfg.Server.Domain, s.Addr())
	return s
}

// dialRaw opens a stream to s claiming to be from.
func dialRaw(t *testing.T, s *Server, from, to string) (*stream.Conn, *xmpp.StreamHeader) {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	conn := stream.NewConn(nc, stream.Options{ReadTimeout: 5 * time.Second, Logger: testLogger()})
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteRaw(xmpp.StreamHeader{From: from, To: to, Dialback: true}.Open()))
	header, err := conn.ReadHeader(5 * time.Second)
	require.NoError(t, err)
	return conn, header
}

func TestServer_DialbackBetweenTwoServers(t *testing.T) {
	resolver := newStaticResolver()
	stanzas := make(chan *xmpp.Element, 1)

	a := startServer(t, testConfig("a.test"), resolver)
	b := startServer(t, testConfig("b.test"), resolver,
		WithStanzaHandler(func(_ context.Context, _ *session.IncomingSession, el *xmpp.Element) {
			stanzas <- el
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := a.Connect(ctx, "a.test", "b.test", 0)
	require.NoError(t, err)
	require.NotNil(t, out)

	pair := domain.DomainPair{Local: "a.test", Remote: "b.test"}
	assert.True(t, out.IsAuthenticated(pair))
	assert.True(t, b.Sessions().HasIncomingSession("a.test", "b.test"),
		"the receiving server registers the domain before answering valid")

	again, err := a.Connect(ctx, "a.test", "b.test", 0)
	require.NoError(t, err)
	assert.Same(t, out, again)

	require.NoError(t, out.Send(`<message from="alice@a.test" to="bob@b.test" id="m1"><body>hi</body></message>`))
	select {
	case el := <-stanzas:
		assert.Equal(t, "message", el.Name.Local)
		assert.Equal(t, "m1", el.Attr("id"))
	case <-time.After(5 * time.Second):
		t.Fatal("stanza was not delivered")
	}
}

func TestServer_ConnectRedialsAfterPeerClosesStream(t *testing.T) {
	resolver := newStaticResolver()
	a := startServer(t, testConfig("a.test"), resolver)
	b := startServer(t, testConfig("b.test"), resolver)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pair := domain.DomainPair{Local: "a.test", Remote: "b.test"}
	first, err := a.Connect(ctx, "a.test", "b.test", 0)
	require.NoError(t, err)

	b.Sessions().CloseAll()

	require.Eventually(t, func() bool {
		_, ok := a.Sessions().Outgoing(pair)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, first.Closed())

	second, err := a.Connect(ctx, "a.test", "b.test", 0)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.StreamID, second.StreamID)
	assert.True(t, second.IsAuthenticated(pair))
	assert.True(t, b.Sessions().HasIncomingSession("a.test", "b.test"))
}

func TestServer_SubdomainReusesOutgoingStream(t *testing.T) {
	resolver := newStaticResolver()
	cfg := testConfig("a.test")
	cfg.Server.Components = []string{"muc"}
	a := startServer(t, cfg, resolver)
	resolver.set("muc.a.test", a.Addr())
	b := startServer(t, testConfig("b.test"), resolver)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := a.Connect(ctx, "a.test", "b.test", 0)
	require.NoError(t, err)

	sub, err := a.Connect(ctx, "muc.a.test", "b.test", 0)
	require.NoError(t, err)
	assert.Same(t, out, sub)
	assert.True(t, sub.IsAuthenticated(domain.DomainPair{Local: "muc.a.test", Remote: "b.test"}))
	assert.True(t, b.Sessions().HasIncomingSession("a.test", "b.test"))
	assert.True(t, b.Sessions().HasIncomingSession("muc.a.test", "b.test"))

	st := a.Sessions().Stats()
	assert.Equal(t, 2, st.Outgoing)
	assert.ElementsMatch(t, []domain.DomainPair{
		{Local: "a.test", Remote: "b.test"},
		{Local: "muc.a.test", Remote: "b.test"},
	}, st.OutgoingPairs)
}

func TestServer_ForgedKeyIsInvalid(t *testing.T) {
	resolver := newStaticResolver()
	startServer(t, testConfig("a.test"), resolver)
	b := startServer(t, testConfig("b.test"), resolver)

	conn, header := dialRaw(t, b, "a.test", "b.test")
	require.NotEmpty(t, header.ID)

	forged := &dialback.Result{From: "a.test", To: "b.test", Key: dialback.Digest(header.ID, "guessed")}
	require.NoError(t, conn.WriteRaw(forged.String()))

	el, err := conn.ReadElement(5 * time.Second)
	require.NoError(t, err)
	require.True(t, el.IsDialback("result"))
	assert.Equal(t, dialback.TypeInvalid, el.Attr("type"))
	assert.False(t, b.Sessions().HasIncomingSession("a.test", "b.test"))
}

func TestServer_OversizedElementEndsStream(t *testing.T) {
	cfg := testConfig("b.test")
	cfg.Server.Limits.MaxElementBytes = 1024
	b := startServer(t, cfg, newStaticResolver())

	conn, _ := dialRaw(t, b, "a.test", "b.test")
	require.NoError(t, conn.WriteRaw(`<db:verify from="a.test" to="b.test" id="x">`+strings.Repeat("k", 2000)))

	el, err := conn.ReadElement(5 * time.Second)
	require.NoError(t, err)
	require.True(t, el.Is(xmpp.NSStreams, "error"))
	assert.NotNil(t, el.Child(xmpp.NSStreamErrors, xmpp.StreamPolicyViolation))

	_, err = conn.ReadElement(5 * time.Second)
	assert.Error(t, err)
}

func TestServer_UnknownAuthoritativeServer(t *testing.T) {
	resolver := newStaticResolver()
	b := startServer(t, testConfig("b.test"), resolver)

	conn, _ := dialRaw(t, b, "nowhere.test", "b.test")
	require.NoError(t, conn.WriteRaw((&dialback.Result{From: "nowhere.test", To: "b.test", Key: "abc"}).String()))

	el, err := conn.ReadElement(5 * time.Second)
	require.NoError(t, err)
	require.True(t, el.IsDialback("result"))
	assert.Equal(t, dialback.TypeError, el.Attr("type"))
	assert.Contains(t, el.String(), xmpp.StanzaRemoteServerNotFound)
}

func TestServer_BlockedRemoteServer(t *testing.T) {
	resolver := newStaticResolver()
	a := startServer(t, testConfig("a.test"), resolver)

	cfg := testConfig("b.test")
	cfg.RemoteServers.Servers = []domain.RemoteServer{{Domain: "a.test", Permission: domain.PermissionBlocked}}
	b := startServer(t, cfg, resolver)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := a.Connect(ctx, "a.test", "b.test", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.False(t, b.Sessions().HasIncomingSession("a.test", "b.test"))
}

func TestServer_DialbackDisabled(t *testing.T) {
	resolver := newStaticResolver()
	cfg := testConfig("a.test")
	cfg.Dialback.Enabled = false
	a := startServer(t, cfg, resolver)
	startServer(t, testConfig("b.test"), resolver)

	_, err := a.Connect(context.Background(), "a.test", "b.test", 0)
	assert.ErrorIs(t, err, domain.ErrDialbackDisabled)
}

func TestServer_ConnectRejectsForeignLocalDomain(t *testing.T) {
	a := startServer(t, testConfig("a.test"), newStaticResolver())

	_, err := a.Connect(context.Background(), "elsewhere.test", "b.test", 0)
	assert.Error(t, err)
}

func TestServer_RateLimitsConnectionsPerAddress(t *testing.T) {
	cfg := testConfig("b.test")
	cfg.Server.RateLimit = config.RateLimitConfig{ConnectionsPerSecond: 0.01, Burst: 1}
	b := startServer(t, cfg, newStaticResolver())

	first, err := net.Dial("tcp", b.Addr())
	require.NoError(t, err)
	defer first.Close()

	second, err := net.Dial("tcp", b.Addr())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Contains(t, b.Status().RateLimits, "127.0.0.1")
}

func TestServer_AdminEndpoints(t *testing.T) {
	cfg := testConfig("a.test")
	cfg.RemoteServers.Servers = []domain.RemoteServer{{Domain: "peer.test", Port: 5270}}
	a := startServer(t, cfg, newStaticResolver())
	base := "http://" + a.AdminAddr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "s2s_incoming_streams_active")

	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status AdminStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "a.test", status.Domain)
	assert.True(t, status.DialbackEnabled)
	require.Len(t, status.RemoteServers.Servers, 1)
	assert.Equal(t, 5270, status.RemoteServers.Servers[0].Port)

	post, err := http.Post(base+"/status", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)

	reset, err := http.Post(base+"/breakers/reset", "application/json", nil)
	require.NoError(t, err)
	reset.Body.Close()
	assert.Equal(t, http.StatusNoContent, reset.StatusCode)

	get, err := http.Get(base + "/breakers/reset")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestServer_Lifecycle(t *testing.T) {
	s, err := New(testConfig("a.test"), testLogger())
	require.NoError(t, err)

	_, err = s.Connect(context.Background(), "", "b.test", 0)
	assert.Error(t, err, "connect before start")

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.NotEmpty(t, s.Addr())
	assert.Empty(t, s.DirectTLSAddr())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = net.DialTimeout("tcp", s.Addr(), time.Second)
	assert.Error(t, err)
}

func TestNew_RejectsNilConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestServer_DialbackOverTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, tlspkg.GenerateDomainCertificates(dir, []string{"a.test", "b.test"}, 0))

	tlsConfig := func(name string) *config.Config {
		cfg := testConfig(name)
		cfg.Server.DirectTLSAddress = "127.0.0.1:0"
		cfg.Server.TLS.Policy = domain.TLSRequired
		cfg.Server.TLS.CertFile = filepath.Join(dir, name+".crt")
		cfg.Server.TLS.KeyFile = filepath.Join(dir, name+".key")
		cfg.Server.TLS.WatchCertificates = true
		return cfg
	}

	resolver := newStaticResolver()
	a := startServer(t, tlsConfig("a.test"), resolver)
	b := startServer(t, tlsConfig("b.test"), resolver)
	// a reaches b over Direct TLS; b calls back to a with StartTLS.
	resolver.setTarget("b.test", b.DirectTLSAddr(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := a.Connect(ctx, "a.test", "b.test", 0)
	require.NoError(t, err)
	assert.True(t, out.Conn().IsSecure())
	assert.True(t, b.Sessions().HasIncomingSession("a.test", "b.test"))
}
