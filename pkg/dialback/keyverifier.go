package dialback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-s2s/internal/stream"
	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

const roleKeyVerification = "key_verification"

// KeyVerification is one key to be checked with the Authoritative Server of
// Remote.
type KeyVerification struct {
	// Recipient is the local domain the key was asserted to.
	Recipient string
	// Remote is the domain being validated.
	Remote   string
	StreamID domain.StreamID
	Key      string
}

// Verifier checks a key with an Authoritative Server. *KeyVerifier
// satisfies it.
type Verifier interface {
	VerifyKey(ctx context.Context, req KeyVerification) (domain.VerifyResult, error)
}

// KeyVerifierConfig wires a KeyVerifier.
type KeyVerifierConfig struct {
	Dialer   Dialer
	Resolver Resolver
	Hosts    domain.HostRecognizer
	// Policy supplies per-domain port overrides. Optional.
	Policy   domain.AccessPolicy
	Settings Settings
	Logger   *slog.Logger
	Metrics  *Metrics
}

// KeyVerifier runs the Receiving Server side of a db:verify exchange over
// a new connection to the Authoritative Server.
type KeyVerifier struct {
	dialer   Dialer
	resolver Resolver
	hosts    domain.HostRecognizer
	policy   domain.AccessPolicy
	settings Settings
	logger   *slog.Logger
	metrics  *Metrics
}

// NewKeyVerifier returns a KeyVerifier.
func NewKeyVerifier(cfg KeyVerifierConfig) *KeyVerifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyVerifier{
		dialer:   cfg.Dialer,
		resolver: cfg.Resolver,
		hosts:    cfg.Hosts,
		policy:   cfg.Policy,
		settings: cfg.Settings.withDefaults(),
		logger:   logger.With("component", "dialback", "role", roleKeyVerification),
		metrics:  cfg.Metrics,
	}
}

// VerifyKey asks the Authoritative Server of req.Remote whether req.Key is
// valid for req.StreamID. Invalid is a normal outcome with a nil error;
// Error outcomes carry the cause. Every connection opened is closed before
// VerifyKey returns.
func (v *KeyVerifier) VerifyKey(ctx context.Context, req KeyVerification) (domain.VerifyResult, error) {
	pair := domain.DomainPair{Local: req.Recipient, Remote: req.Remote}
	ctx, span := startSpan(ctx, "dialback.verify_key", roleKeyVerification, pair)
	start := time.Now()

	result, err := v.verify(ctx, req)

	v.metrics.RecordOutcome(roleKeyVerification, result, time.Since(start))
	endSpan(span, result, err)
	return result, err
}

func (v *KeyVerifier) verify(ctx context.Context, req KeyVerification) (domain.VerifyResult, error) {
	logger := v.logger.With("local", req.Recipient, "remote", req.Remote, "stream_id", req.StreamID.String())

	port := 0
	if v.policy != nil {
		port = v.policy.PortForServer(req.Remote)
	}
	for _, target := range v.resolver.Resolve(ctx, req.Remote, port) {
		if err := ctx.Err(); err != nil {
			return domain.VerifyError, err
		}
		conn, err := v.dialer.Dial(ctx, req.Remote, target)
		if err != nil {
			logger.Debug("authoritative server candidate unreachable", "target", target.String(), "error", err)
			continue
		}
		logger.Debug("connected to authoritative server", "target", target.String())
		return v.attempt(ctx, logger, req, target, conn)
	}
	logger.Warn("no authoritative server reachable")
	return domain.VerifyError, domain.ErrNoRemoteHost
}

// attemptMode selects how the stream to the Authoritative Server is secured.
type attemptMode struct {
	direct  bool
	skipTLS bool
}

// attempt runs the exchange and, when the first try fails in a way the
// fallback policy covers, exactly one more try on a fresh connection to
// the same address.
func (v *KeyVerifier) attempt(ctx context.Context, logger *slog.Logger, req KeyVerification, target stream.Target, conn xmpp.Conn) (domain.VerifyResult, error) {
	mode := attemptMode{direct: target.DirectTLS}
	result, err := v.run(ctx, logger, conn, req, mode)
	if err == nil {
		return result, nil
	}

	next, reason, ok := v.fallback(mode, err)
	if !ok {
		logger.Warn("key verification failed", "result", result.String(), "error", err)
		return result, err
	}

	v.metrics.RecordFallbackRetry(reason)
	logger.Info("retrying key verification", "reason", reason, "target", target.Addr(), "error", err)

	retryTarget := stream.Target{Host: target.Host, Port: target.Port}
	retryConn, dialErr := v.dialer.Dial(ctx, req.Remote, retryTarget)
	if dialErr != nil {
		logger.Warn("fallback reconnect failed", "target", retryTarget.String(), "error", dialErr)
		return domain.VerifyError, fmt.Errorf("fallback reconnect: %w", dialErr)
	}
	result, err = v.run(ctx, logger, retryConn, req, next)
	if err != nil {
		logger.Warn("key verification failed after fallback", "result", result.String(), "error", err)
	}
	return result, err
}

// fallback decides whether err on an attempt in mode earns the single
// retry, and in which mode.
func (v *KeyVerifier) fallback(mode attemptMode, err error) (attemptMode, string, bool) {
	switch {
	case mode.direct && errors.Is(err, domain.ErrPlaintextDetected):
		if !v.settings.AllowPlaintextFallback {
			return attemptMode{}, "", false
		}
		return attemptMode{skipTLS: true}, "plaintext_on_direct_tls", true
	case mode.direct && errors.Is(err, domain.ErrHandshakeFailed):
		return attemptMode{}, "direct_tls_handshake", true
	case !mode.direct && !mode.skipTLS && errors.Is(err, domain.ErrHandshakeFailed):
		if v.settings.TLSPolicy == domain.TLSRequired {
			return attemptMode{}, "", false
		}
		return attemptMode{skipTLS: true}, "starttls_handshake", true
	default:
		return attemptMode{}, "", false
	}
}

func (v *KeyVerifier) run(ctx context.Context, logger *slog.Logger, conn xmpp.Conn, req KeyVerification, mode attemptMode) (domain.VerifyResult, error) {
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("close authoritative connection", "error", err)
		}
	}()
	conn.Lock()
	defer conn.Unlock()

	m := &verifyMachine{
		conn:    conn,
		req:     req,
		mode:    mode,
		hosts:   v.hosts,
		timeout: v.settings.ReadTimeout,
		logger:  logger,
	}
	return m.run(ctx)
}

type verifyState int

const (
	stateConnecting verifyState = iota
	stateHeaderSent
	stateAwaitingFeatures
	stateOptionalStartTLS
	stateVerifyRequestSent
	stateAwaitingVerifyResponse
	stateDone
)

func (s verifyState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateHeaderSent:
		return "header_sent"
	case stateAwaitingFeatures:
		return "awaiting_features"
	case stateOptionalStartTLS:
		return "optional_starttls"
	case stateVerifyRequestSent:
		return "verify_request_sent"
	case stateAwaitingVerifyResponse:
		return "awaiting_verify_response"
	default:
		return "done"
	}
}

// verifyMachine is one attempt of the db:verify exchange. It never closes
// the connection itself.
type verifyMachine struct {
	conn    xmpp.Conn
	req     KeyVerification
	mode    attemptMode
	hosts   domain.HostRecognizer
	timeout time.Duration
	logger  *slog.Logger

	state    verifyState
	header   *xmpp.StreamHeader
	upgraded bool
	result   domain.VerifyResult
	err      error
}

func (m *verifyMachine) run(ctx context.Context) (domain.VerifyResult, error) {
	m.state = stateConnecting
	for m.state != stateDone {
		if err := ctx.Err(); err != nil {
			m.fail(err, true)
			break
		}
		m.logger.Debug("key verification step", "state", m.state.String())
		switch m.state {
		case stateConnecting:
			m.connect(ctx)
		case stateHeaderSent:
			m.readHeader()
		case stateAwaitingFeatures:
			m.readFeatures()
		case stateOptionalStartTLS:
			m.startTLS(ctx)
		case stateVerifyRequestSent:
			m.sendVerify()
		case stateAwaitingVerifyResponse:
			m.readVerify()
		}
	}
	return m.result, m.err
}

func (m *verifyMachine) connect(ctx context.Context) {
	if m.mode.direct && !m.conn.IsSecure() {
		if err := m.conn.StartTLS(ctx, true, true); err != nil {
			// The peer already considers the stream dead.
			m.fail(err, false)
			return
		}
	}
	m.sendHeader()
}

func (m *verifyMachine) sendHeader() {
	h := xmpp.StreamHeader{
		From:     m.req.Recipient,
		To:       m.req.Remote,
		Version:  "1.0",
		Dialback: true,
	}
	if err := m.conn.WriteRaw(h.Open()); err != nil {
		m.fail(err, false)
		return
	}
	m.state = stateHeaderSent
}

func (m *verifyMachine) readHeader() {
	h, err := m.conn.ReadHeader(m.timeout)
	if err != nil {
		m.fail(err, true)
		return
	}
	m.header = h
	if h.Version == "1.0" {
		m.state = stateAwaitingFeatures
		return
	}
	m.enterDialback()
}

func (m *verifyMachine) readFeatures() {
	el, err := m.conn.ReadElement(m.timeout)
	if err != nil {
		m.fail(err, true)
		return
	}
	if !el.Is(xmpp.NSStreams, "features") {
		m.protocolError(xmpp.StreamInvalidXML, fmt.Errorf("%w: expected stream features, got %s", domain.ErrUnexpectedElement, el.Name.Local))
		return
	}
	if el.Child(xmpp.NSTLS, "starttls") != nil && !m.mode.direct && !m.mode.skipTLS {
		if m.upgraded {
			m.protocolError(xmpp.StreamPolicyViolation, fmt.Errorf("%w: starttls offered again on an encrypted stream", domain.ErrUnexpectedElement))
			return
		}
		m.state = stateOptionalStartTLS
		return
	}
	m.enterDialback()
}

func (m *verifyMachine) startTLS(ctx context.Context) {
	if err := m.conn.WriteRaw(xmpp.StartTLS); err != nil {
		m.fail(err, false)
		return
	}
	el, err := m.conn.ReadElement(m.timeout)
	if err != nil {
		m.fail(err, true)
		return
	}
	if !el.Is(xmpp.NSTLS, "proceed") {
		m.fail(fmt.Errorf("%w: expected starttls proceed, got %s", domain.ErrUnexpectedElement, el.Name.Local), true)
		return
	}
	if err := m.conn.StartTLS(ctx, true, false); err != nil {
		m.fail(err, false)
		return
	}
	m.upgraded = true
	m.sendHeader()
}

func (m *verifyMachine) enterDialback() {
	if !m.header.Dialback {
		m.protocolError(xmpp.StreamInvalidNamespace, domain.ErrProtocolMismatch)
		return
	}
	m.state = stateVerifyRequestSent
}

func (m *verifyMachine) sendVerify() {
	req := &Verify{
		From: m.req.Recipient,
		To:   m.req.Remote,
		ID:   m.req.StreamID.String(),
		Key:  m.req.Key,
	}
	if err := m.conn.WriteRaw(req.String()); err != nil {
		m.fail(err, false)
		return
	}
	m.state = stateAwaitingVerifyResponse
}

func (m *verifyMachine) readVerify() {
	el, err := m.conn.ReadElement(m.timeout)
	if err != nil {
		m.fail(err, true)
		return
	}
	st, err := Classify(el)
	if err != nil {
		m.fail(err, true)
		return
	}
	reply, ok := st.(*Verify)
	if !ok || reply.IsRequest() {
		m.fail(fmt.Errorf("%w: expected db:verify reply", domain.ErrUnexpectedElement), true)
		return
	}

	switch {
	case reply.ID != m.req.StreamID.String():
		m.protocolError(xmpp.StreamInvalidID, fmt.Errorf("verify reply id %q does not match stream %q", reply.ID, m.req.StreamID))
		return
	case !m.hosts.IsLocalHost(reply.To):
		m.protocolError(xmpp.StreamHostUnknown, fmt.Errorf("verify reply addressed to unknown host %q", reply.To))
		return
	case reply.From != m.req.Remote:
		m.protocolError(xmpp.StreamInvalidFrom, fmt.Errorf("verify reply from %q, expected %q", reply.From, m.req.Remote))
		return
	}

	switch reply.Type {
	case TypeValid:
		m.result = domain.VerifyValid
	case TypeInvalid:
		m.result = domain.VerifyInvalid
	default:
		m.result = domain.VerifyError
		m.err = domain.NewStanzaError(reply.Condition, reply.Text, errors.New("authoritative server failed"))
	}
	m.closeStream()
	m.state = stateDone
}

// fail ends the attempt with VerifyError. closeStream controls whether the
// stream close is still written.
func (m *verifyMachine) fail(err error, closeStream bool) {
	m.result = domain.VerifyError
	m.err = err
	if closeStream {
		m.closeStream()
	}
	m.state = stateDone
}

// protocolError reports condition as a stream error and fails.
func (m *verifyMachine) protocolError(condition string, err error) {
	if werr := m.conn.WriteRaw(xmpp.StreamError(condition, "")); werr != nil {
		m.logger.Debug("send stream error", "condition", condition, "error", werr)
	}
	m.fail(&domain.DialbackError{Kind: domain.StreamErrorKind, Condition: condition, Err: err}, false)
}

func (m *verifyMachine) closeStream() {
	if err := m.conn.WriteRaw(xmpp.StreamClose); err != nil {
		m.logger.Debug("send stream close", "error", err)
	}
}
