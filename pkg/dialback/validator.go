package dialback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// Texts sent with rejections.
const (
	textDisabled        = "Dialback has been disabled by configuration."
	textTLSRequired     = "TLS is mandatory, but was not established."
	textAccessDenied    = "Server-to-server connections with this domain are not allowed."
	textNotHosted       = "Service not hosted here"
	textSessionExists   = "Incoming session already exists"
	textNoAuthoritative = "No server available for verifying key of remote server."
	textNotCompleted    = "Key verification did not complete."
	textAuthFailed      = "Authoritative server failed"
	textRegisterFailed  = "Unable to register the validated domain."
)

// ValidatorConfig wires a Validator.
type ValidatorConfig struct {
	Verifier Verifier
	Policy   domain.AccessPolicy
	Hosts    domain.HostRecognizer
	Sessions domain.SessionRegistry
	// Certificates enables the strong-auth shortcut. Optional.
	Certificates domain.CertificateVerifier
	Settings     Settings
	Logger       *slog.Logger
	Metrics      *Metrics
}

// Validator runs the Receiving Server side of dialback: it decides whether
// a key asserted on an inbound stream authenticates the sender's domain.
type Validator struct {
	verifier Verifier
	policy   domain.AccessPolicy
	hosts    domain.HostRecognizer
	sessions domain.SessionRegistry
	certs    domain.CertificateVerifier
	settings Settings
	logger   *slog.Logger
	metrics  *Metrics
}

// NewValidator returns a Validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		verifier: cfg.Verifier,
		policy:   cfg.Policy,
		hosts:    cfg.Hosts,
		sessions: cfg.Sessions,
		certs:    cfg.Certificates,
		settings: cfg.Settings.withDefaults(),
		logger:   logger.With("component", "dialback", "role", RoleReceiving),
		metrics:  cfg.Metrics,
	}
}

// ValidateRemoteDomain answers the key assertion req received on conn,
// whose stream carries streamID. Policy rejections return VerifyDeclined;
// stream errors close conn, dialback errors leave it open for other
// domains. A negative or failed verification closes conn. The domain is
// registered with the session registry before success is reported.
func (v *Validator) ValidateRemoteDomain(ctx context.Context, conn xmpp.Conn, req *Result, streamID domain.StreamID) domain.VerifyResult {
	pair := req.Pair()
	ctx, span := startSpan(ctx, "dialback.validate_remote_domain", RoleReceiving, pair)
	start := time.Now()

	result, err := v.validate(ctx, conn, req, streamID)

	logger := v.logger.With("local", pair.Local, "remote", pair.Remote, "stream_id", streamID.String())
	if err != nil {
		logger.Warn("remote domain not validated", "result", result.String(), "error", err)
	} else {
		logger.Info("remote domain validated", "result", result.String())
	}
	v.metrics.RecordOutcome(RoleReceiving, result, time.Since(start))
	endSpan(span, result, err)
	return result
}

func (v *Validator) validate(ctx context.Context, conn xmpp.Conn, req *Result, streamID domain.StreamID) (domain.VerifyResult, error) {
	remote, recipient := req.From, req.To

	switch {
	case !v.settings.Enabled:
		return domain.VerifyDeclined, v.streamError(conn, xmpp.StreamPolicyViolation, textDisabled)
	case v.settings.TLSPolicy == domain.TLSRequired && !conn.IsSecure():
		return domain.VerifyDeclined, v.streamError(conn, xmpp.StreamPolicyViolation, textTLSRequired)
	case remote == "":
		return domain.VerifyError, v.streamError(conn, xmpp.StreamInvalidFrom, "")
	case v.policy != nil && !v.policy.CanAccess(ctx, remote):
		return domain.VerifyDeclined, v.streamError(conn, xmpp.StreamPolicyViolation, textAccessDenied)
	case !v.hosts.IsLocalHost(recipient):
		return domain.VerifyDeclined, v.dialbackError(conn, req, domain.NewStanzaError(xmpp.StanzaItemNotFound, textNotHosted, nil))
	case v.sessions.HasIncomingSession(remote, recipient) && !v.sessions.AllowsMultipleConnections():
		return domain.VerifyDeclined, v.dialbackError(conn, req, domain.NewStanzaError(xmpp.StanzaResourceConstraint, textSessionExists, nil))
	}

	if v.certs != nil && v.certs.VerifyCertificates(conn.PeerCertificates(), remote, true) {
		v.logger.Debug("peer certificate authenticates remote domain", "remote", remote)
		return v.accept(conn, req, streamID, domain.AuthCertificate)
	}

	result, err := v.verifyKey(ctx, KeyVerification{
		Recipient: recipient,
		Remote:    remote,
		StreamID:  streamID,
		Key:       req.Key,
	})
	switch result {
	case domain.VerifyValid:
		return v.accept(conn, req, streamID, domain.AuthDialback)
	case domain.VerifyInvalid:
		reply := &Result{From: recipient, To: remote, Type: TypeInvalid}
		if werr := conn.WriteRaw(reply.String()); werr != nil {
			v.logger.Debug("send invalid result", "error", werr)
		}
		v.closeStream(conn)
		return domain.VerifyInvalid, fmt.Errorf("authoritative server rejected key for %s", remote)
	default:
		dbErr := domain.NewStanzaError(xmpp.StanzaRemoteServerTimeout, textNotCompleted, err)
		switch {
		case errors.Is(err, domain.ErrNoRemoteHost):
			dbErr = domain.NewStanzaError(xmpp.StanzaRemoteServerNotFound, textNoAuthoritative, err)
		case isStanzaError(err):
			dbErr = domain.NewStanzaError(xmpp.StanzaRemoteServerTimeout, textAuthFailed, err)
		}
		v.dialbackError(conn, req, dbErr)
		v.closeStream(conn)
		return domain.VerifyError, dbErr
	}
}

// verifyKey runs the verifier. A panic is reported as an incomplete
// verification so the peer still gets an answer.
func (v *Validator) verifyKey(ctx context.Context, req KeyVerification) (result domain.VerifyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("key verification panicked",
				"remote", req.Remote,
				"panic", r,
				"stack", string(debug.Stack()))
			result, err = domain.VerifyError, fmt.Errorf("key verification panicked: %v", r)
		}
	}()
	return v.verifier.VerifyKey(ctx, req)
}

func (v *Validator) accept(conn xmpp.Conn, req *Result, streamID domain.StreamID, method domain.AuthMethod) (domain.VerifyResult, error) {
	err := v.sessions.RegisterValidatedDomain(streamID, req.Pair(), method)
	if errors.Is(err, domain.ErrSessionExists) {
		return domain.VerifyDeclined, v.dialbackError(conn, req, domain.NewStanzaError(xmpp.StanzaResourceConstraint, textSessionExists, err))
	}
	if err != nil {
		dbErr := domain.NewStanzaError(xmpp.StanzaInternalServerError, textRegisterFailed, err)
		v.dialbackError(conn, req, dbErr)
		return domain.VerifyError, dbErr
	}
	reply := &Result{From: req.To, To: req.From, Type: TypeValid}
	if err := conn.WriteRaw(reply.String()); err != nil {
		return domain.VerifyError, fmt.Errorf("send valid result: %w", err)
	}
	return domain.VerifyValid, nil
}

// streamError sends a stream error, closes conn and returns the error
// describing what was sent.
func (v *Validator) streamError(conn xmpp.Conn, condition, text string) error {
	if err := conn.WriteRaw(xmpp.StreamError(condition, text)); err != nil {
		v.logger.Debug("send stream error", "condition", condition, "error", err)
	}
	v.metrics.RecordErrorSent(domain.StreamErrorKind, condition)
	v.close(conn)
	return domain.NewStreamError(condition, text)
}

// dialbackError answers req with a db:result of type error.
func (v *Validator) dialbackError(conn xmpp.Conn, req *Result, dbErr *domain.DialbackError) error {
	reply := &Result{
		From:      req.To,
		To:        req.From,
		Type:      TypeError,
		Condition: dbErr.Condition,
		Text:      dbErr.Text,
	}
	if err := conn.WriteRaw(reply.String()); err != nil {
		v.logger.Debug("send dialback error", "condition", dbErr.Condition, "error", err)
	}
	v.metrics.RecordErrorSent(domain.StanzaErrorKind, dbErr.Condition)
	return dbErr
}

func (v *Validator) closeStream(conn xmpp.Conn) {
	if err := conn.WriteRaw(xmpp.StreamClose); err != nil {
		v.logger.Debug("send stream close", "error", err)
	}
	v.close(conn)
}

func (v *Validator) close(conn xmpp.Conn) {
	if err := conn.Close(); err != nil {
		v.logger.Debug("close connection", "error", err)
	}
}

func isStanzaError(err error) bool {
	var dbErr *domain.DialbackError
	return errors.As(err, &dbErr) && dbErr.Kind == domain.StanzaErrorKind
}
