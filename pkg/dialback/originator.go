package dialback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/session"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// OriginatorConfig wires an Originator.
type OriginatorConfig struct {
	Keys     KeySource
	Dialer   Dialer
	Resolver Resolver
	// Policy is consulted for access and port overrides. Optional.
	Policy domain.AccessPolicy
	// Sessions receives established outgoing sessions. Optional.
	Sessions *session.Registry
	Settings Settings
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Originator authenticates local domains to remote servers.
type Originator struct {
	keys     KeySource
	dialer   Dialer
	resolver Resolver
	policy   domain.AccessPolicy
	sessions *session.Registry
	settings Settings
	logger   *slog.Logger
	metrics  *Metrics
}

// NewOriginator returns an Originator.
func NewOriginator(cfg OriginatorConfig) *Originator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Originator{
		keys:     cfg.Keys,
		dialer:   cfg.Dialer,
		resolver: cfg.Resolver,
		policy:   cfg.Policy,
		sessions: cfg.Sessions,
		settings: cfg.Settings.withDefaults(),
		logger:   logger.With("component", "dialback", "role", RoleOriginating),
		metrics:  cfg.Metrics,
	}
}

// CreateOutgoingSession connects to pair.Remote and authenticates
// pair.Local on the new stream. A zero port uses the policy override or
// SRV resolution. Nothing is retried here.
func (o *Originator) CreateOutgoingSession(ctx context.Context, pair domain.DomainPair, port int) (*session.OutgoingSession, error) {
	logger := o.logger.With("local", pair.Local, "remote", pair.Remote)
	if !o.settings.Enabled {
		return nil, domain.ErrDialbackDisabled
	}
	if o.policy != nil && !o.policy.CanAccess(ctx, pair.Remote) {
		return nil, fmt.Errorf("%w: access to %s denied by policy", domain.ErrNotAuthenticated, pair.Remote)
	}

	s, err := o.createOutgoingSession(ctx, logger, pair, port)
	o.metrics.RecordOutgoing(err == nil)
	if err != nil {
		logger.Warn("outgoing session failed", "error", err)
		return nil, err
	}
	if o.sessions != nil {
		o.sessions.AddOutgoing(pair, s)
	}
	go o.watch(s)
	logger.Info("outgoing session established", "stream_id", s.StreamID.String())
	return s, nil
}

// AuthenticateSubdomain authenticates pair.Local on the established
// session s, which already reaches pair.Remote. On success the pair is
// routed through s.
func (o *Originator) AuthenticateSubdomain(ctx context.Context, s *session.OutgoingSession, pair domain.DomainPair) error {
	if s.IsAuthenticated(pair) {
		return nil
	}
	if !o.settings.Enabled {
		return domain.ErrDialbackDisabled
	}
	if !o.authenticateDomain(ctx, s.Conn(), pair, s.StreamID, s.NextElement) {
		return fmt.Errorf("%w: %s on stream %s", domain.ErrNotAuthenticated, pair, s.StreamID)
	}
	s.AddPair(pair)
	if o.sessions != nil {
		o.sessions.AddOutgoing(pair, s)
	}
	o.logger.Info("subdomain authenticated on outgoing session",
		"local", pair.Local, "remote", pair.Remote, "stream_id", s.StreamID.String())
	return nil
}

// watch owns reads on an established outgoing stream. Dialback answers
// are handed to the session; the end of the stream closes the session,
// which drops it from the registry.
func (o *Originator) watch(s *session.OutgoingSession) {
	logger := o.logger.With("stream_id", s.StreamID.String())
	defer func() { _ = s.Close() }()
	for {
		el, err := s.Conn().ReadElement(o.settings.ReadTimeout)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrStreamClosed):
				logger.Info("remote server closed outgoing stream")
			case s.Closed(), errors.Is(err, domain.ErrConnectionClosed):
				logger.Debug("outgoing stream ended", "error", err)
			default:
				logger.Warn("outgoing stream failed", "error", err)
			}
			return
		}
		if el.Is(xmpp.NSStreams, "error") {
			logger.Warn("stream error on outgoing stream", "error", el.String())
			return
		}
		if !el.IsDialback("result") {
			logger.Debug("ignoring element on outgoing stream", "element", el.Name.Local)
			continue
		}
		if !s.Deliver(el) {
			logger.Debug("dropping dialback answer nobody awaits")
		}
	}
}

// nextElement yields the next element of a dialback exchange.
type nextElement func(ctx context.Context, timeout time.Duration) (*xmpp.Element, error)

func readFrom(conn xmpp.Conn) nextElement {
	return func(_ context.Context, timeout time.Duration) (*xmpp.Element, error) {
		return conn.ReadElement(timeout)
	}
}

func (o *Originator) createOutgoingSession(ctx context.Context, logger *slog.Logger, pair domain.DomainPair, port int) (*session.OutgoingSession, error) {
	if port <= 0 && o.policy != nil {
		port = o.policy.PortForServer(pair.Remote)
	}

	var conn xmpp.Conn
	var direct bool
	for _, target := range o.resolver.Resolve(ctx, pair.Remote, port) {
		c, err := o.dialer.Dial(ctx, pair.Remote, target)
		if err != nil {
			logger.Debug("remote candidate unreachable", "target", target.String(), "error", err)
			continue
		}
		conn, direct = c, target.DirectTLS
		break
	}
	if conn == nil {
		return nil, domain.ErrNoRemoteHost
	}

	if direct {
		if err := conn.StartTLS(ctx, true, true); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	h := xmpp.StreamHeader{From: pair.Local, To: pair.Remote, Dialback: true}
	if err := conn.WriteRaw(h.Open()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	peer, err := conn.ReadHeader(o.settings.ReadTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !peer.Dialback {
		_ = conn.WriteRaw(xmpp.StreamError(xmpp.StreamInvalidNamespace, ""))
		o.metrics.RecordErrorSent(domain.StreamErrorKind, xmpp.StreamInvalidNamespace)
		_ = conn.Close()
		return nil, domain.ErrProtocolMismatch
	}

	streamID := domain.StreamID(peer.ID)
	if !o.AuthenticateDomain(ctx, conn, pair, streamID) {
		_ = conn.WriteRaw(xmpp.StreamClose)
		_ = conn.Close()
		return nil, domain.ErrNotAuthenticated
	}
	return session.NewOutgoingSession(conn, pair, streamID), nil
}

// AuthenticateDomain asserts pair.Local on conn, whose stream the peer
// identified as streamID, and waits at most the validation timeout for the
// answer. Only an explicit type="valid" reply returns true.
func (o *Originator) AuthenticateDomain(ctx context.Context, conn xmpp.Conn, pair domain.DomainPair, streamID domain.StreamID) bool {
	return o.authenticateDomain(ctx, conn, pair, streamID, readFrom(conn))
}

func (o *Originator) authenticateDomain(ctx context.Context, conn xmpp.Conn, pair domain.DomainPair, streamID domain.StreamID, next nextElement) bool {
	ctx, span := startSpan(ctx, "dialback.authenticate_domain", RoleOriginating, pair)
	start := time.Now()

	result, err := o.authenticate(ctx, conn, pair, streamID, next)

	logger := o.logger.With("local", pair.Local, "remote", pair.Remote, "stream_id", streamID.String())
	if err != nil {
		logger.Warn("domain not authenticated", "result", result.String(), "error", err)
	} else {
		logger.Debug("domain authenticated")
	}
	o.metrics.RecordOutcome(RoleOriginating, result, time.Since(start))
	endSpan(span, result, err)
	return result == domain.VerifyValid
}

func (o *Originator) authenticate(ctx context.Context, conn xmpp.Conn, pair domain.DomainPair, streamID domain.StreamID, next nextElement) (domain.VerifyResult, error) {
	if !o.settings.Enabled {
		return domain.VerifyDeclined, domain.ErrDialbackDisabled
	}
	key, err := o.keys.Key(ctx, streamID.String())
	if err != nil {
		return domain.VerifyError, err
	}

	conn.Lock()
	defer conn.Unlock()

	req := &Result{From: pair.Local, To: pair.Remote, Key: key}
	if err := conn.WriteRaw(req.String()); err != nil {
		return domain.VerifyError, err
	}

	deadline := time.Now().Add(o.settings.ValidationTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return domain.VerifyError, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.VerifyError, domain.ErrTimeout
		}
		el, err := next(ctx, remaining)
		if err != nil {
			return domain.VerifyError, err
		}
		st, err := Classify(el)
		if err != nil {
			o.logger.Debug("ignoring element while awaiting dialback result", "element", el.Name.Local)
			continue
		}
		reply, ok := st.(*Result)
		if !ok || reply.IsRequest() || reply.From != pair.Remote || reply.To != pair.Local {
			continue
		}
		switch reply.Type {
		case TypeValid:
			return domain.VerifyValid, nil
		case TypeInvalid:
			return domain.VerifyInvalid, fmt.Errorf("%w: %s rejected the key", domain.ErrNotAuthenticated, pair.Remote)
		default:
			return domain.VerifyError, domain.NewStanzaError(reply.Condition, reply.Text, domain.ErrNotAuthenticated)
		}
	}
}
