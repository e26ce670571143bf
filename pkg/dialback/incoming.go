package dialback

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/session"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// StanzaHandler receives stanzas arriving on an incoming session from a
// validated domain.
type StanzaHandler func(ctx context.Context, s *session.IncomingSession, el *xmpp.Element)

// IncomingConfig wires an IncomingHandler.
type IncomingConfig struct {
	Validator *Validator
	Responder *Responder
	Sessions  *session.Registry
	Hosts     domain.HostRecognizer
	// LocalDomain answers peers that omit the to attribute.
	LocalDomain string
	// TLSAvailable enables the starttls stream feature.
	TLSAvailable bool
	OnStanza     StanzaHandler
	Settings     Settings
	Logger       *slog.Logger
	Metrics      *Metrics
}

// IncomingHandler drives one inbound server stream.
type IncomingHandler struct {
	validator    *Validator
	responder    *Responder
	sessions     *session.Registry
	hosts        domain.HostRecognizer
	localDomain  string
	tlsAvailable bool
	onStanza     StanzaHandler
	settings     Settings
	logger       *slog.Logger
	metrics      *Metrics
}

// NewIncomingHandler returns an IncomingHandler.
func NewIncomingHandler(cfg IncomingConfig) *IncomingHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IncomingHandler{
		validator:    cfg.Validator,
		responder:    cfg.Responder,
		sessions:     cfg.Sessions,
		hosts:        cfg.Hosts,
		localDomain:  cfg.LocalDomain,
		tlsAvailable: cfg.TLSAvailable,
		onStanza:     cfg.OnStanza,
		settings:     cfg.Settings.withDefaults(),
		logger:       logger.With("component", "incoming"),
		metrics:      cfg.Metrics,
	}
}

// Handle serves conn until the peer closes the stream, an error ends it,
// or a db:verify has been answered. conn is closed on return.
func (h *IncomingHandler) Handle(ctx context.Context, conn xmpp.Conn) {
	h.metrics.IncomingOpened()
	defer h.metrics.IncomingClosed()
	defer func() { _ = conn.Close() }()

	logger := h.logger.With("remote_addr", conn.RemoteAddr())

	peer, err := conn.ReadHeader(h.settings.ReadTimeout)
	if err != nil {
		logger.Debug("no stream header", "error", err)
		return
	}

	streamID := NewStreamID()
	if !h.openStream(conn, peer, streamID) {
		return
	}
	sess := h.sessions.OpenIncoming(streamID, conn)
	defer func() { h.sessions.RemoveIncoming(sess.StreamID) }()
	logger = logger.With("stream_id", streamID.String())
	logger.Debug("incoming stream opened", "from", peer.From, "to", peer.To, "version", peer.Version)

	upgraded := false
	for {
		el, err := conn.ReadElement(h.settings.ReadTimeout)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrStreamClosed):
				_ = conn.WriteRaw(xmpp.StreamClose)
			case errors.Is(err, domain.ErrLimitExceeded):
				// the transport already sent policy-violation
				h.metrics.RecordErrorSent(domain.StreamErrorKind, xmpp.StreamPolicyViolation)
			}
			logger.Debug("incoming stream ended", "error", err)
			return
		}

		if el.Is(xmpp.NSTLS, "starttls") {
			if upgraded || conn.IsSecure() || !h.tlsAvailable || sess.HasValidatedDomain() {
				_ = conn.WriteRaw(xmpp.Failure + xmpp.StreamClose)
				return
			}
			if err := conn.WriteRaw(xmpp.Proceed); err != nil {
				return
			}
			if err := conn.StartTLS(ctx, false, false); err != nil {
				logger.Warn("inbound tls negotiation failed", "error", err)
				return
			}
			upgraded = true
			if peer, err = conn.ReadHeader(h.settings.ReadTimeout); err != nil {
				return
			}
			h.sessions.RemoveIncoming(sess.StreamID)
			streamID = NewStreamID()
			if !h.openStream(conn, peer, streamID) {
				return
			}
			sess = h.sessions.OpenIncoming(streamID, conn)
			logger = h.logger.With("remote_addr", conn.RemoteAddr(), "stream_id", streamID.String())
			logger.Debug("incoming stream restarted after tls")
			continue
		}

		st, err := Classify(el)
		if err != nil {
			if !sess.HasValidatedDomain() {
				h.streamError(conn, xmpp.StreamInvalidXML, "")
				return
			}
			if !h.deliver(ctx, conn, sess, el) {
				return
			}
			continue
		}

		switch s := st.(type) {
		case *Result:
			if !s.IsRequest() {
				h.streamError(conn, xmpp.StreamInvalidXML, "")
				return
			}
			h.validator.ValidateRemoteDomain(ctx, conn, s, streamID)
		case *Verify:
			if !s.IsRequest() {
				h.streamError(conn, xmpp.StreamInvalidXML, "")
				return
			}
			h.responder.VerifyReceivedKey(ctx, conn, s)
			return
		}
	}
}

// openStream answers the peer header. It reports false when the stream was
// rejected instead.
func (h *IncomingHandler) openStream(conn xmpp.Conn, peer *xmpp.StreamHeader, streamID domain.StreamID) bool {
	from := peer.To
	if from == "" {
		from = h.localDomain
	}
	reply := xmpp.StreamHeader{From: from, To: peer.From, ID: streamID.String(), Dialback: true}
	if peer.Version == "1.0" {
		reply.Version = "1.0"
	}

	switch {
	case !h.settings.Enabled:
		_ = conn.WriteRaw(reply.Open())
		h.streamError(conn, xmpp.StreamPolicyViolation, textDisabled)
		return false
	case !peer.Dialback:
		reply.Dialback = false
		_ = conn.WriteRaw(reply.Open())
		h.streamError(conn, xmpp.StreamInvalidNamespace, "Invalid namespace")
		return false
	case !h.hosts.IsLocalHost(from):
		reply.From = h.localDomain
		_ = conn.WriteRaw(reply.Open())
		h.streamError(conn, xmpp.StreamHostUnknown, "")
		return false
	}

	out := reply.Open()
	if reply.Version == "1.0" {
		offer := h.tlsAvailable && !conn.IsSecure()
		out += xmpp.Features(offer, offer && h.settings.TLSPolicy == domain.TLSRequired)
	}
	return conn.WriteRaw(out) == nil
}

// deliver hands a non-dialback stanza to the stanza handler. Stanzas from
// domains not validated on this stream end it with invalid-from.
func (h *IncomingHandler) deliver(ctx context.Context, conn xmpp.Conn, sess *session.IncomingSession, el *xmpp.Element) bool {
	from, to := domainOf(el.Attr("from")), domainOf(el.Attr("to"))
	if !sess.IsValidated(to, from) {
		h.streamError(conn, xmpp.StreamInvalidFrom, "")
		return false
	}
	if h.onStanza == nil {
		h.logger.Debug("dropping stanza without handler", "element", el.Name.Local, "from", from, "to", to)
		return true
	}
	h.onStanza(ctx, sess, el)
	return true
}

func (h *IncomingHandler) streamError(conn xmpp.Conn, condition, text string) {
	_ = conn.WriteRaw(xmpp.StreamError(condition, text))
	h.metrics.RecordErrorSent(domain.StreamErrorKind, condition)
}

// domainOf returns the domain part of a JID.
func domainOf(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.LastIndexByte(jid, '@'); i >= 0 {
		jid = jid[i+1:]
	}
	return jid
}
