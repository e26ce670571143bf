package dialback

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// ResponderConfig wires a Responder.
type ResponderConfig struct {
	Keys     KeySource
	Settings Settings
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Responder is the Authoritative Server role: it confirms or denies keys
// this server issued. It performs no access checks; the secret and the
// unguessable stream ID are the only protection.
type Responder struct {
	keys     KeySource
	settings Settings
	logger   *slog.Logger
	metrics  *Metrics
}

// NewResponder returns a Responder.
func NewResponder(cfg ResponderConfig) *Responder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		keys:     cfg.Keys,
		settings: cfg.Settings.withDefaults(),
		logger:   logger.With("component", "dialback", "role", RoleAuthoritative),
		metrics:  cfg.Metrics,
	}
}

// VerifyReceivedKey answers req on conn and closes conn. It reports
// whether the key was valid.
func (r *Responder) VerifyReceivedKey(ctx context.Context, conn xmpp.Conn, req *Verify) bool {
	pair := domain.DomainPair{Local: req.To, Remote: req.From}
	ctx, span := startSpan(ctx, "dialback.verify_received_key", RoleAuthoritative, pair)
	start := time.Now()

	result, err := r.verify(ctx, req)

	reply := &Verify{From: req.To, To: req.From, ID: req.ID, Type: TypeInvalid}
	switch result {
	case domain.VerifyValid:
		reply.Type = TypeValid
	case domain.VerifyDeclined:
		reply.Type = TypeError
		reply.Condition = xmpp.StanzaPolicyViolation
		reply.Text = textDisabled
		r.metrics.RecordErrorSent(domain.StanzaErrorKind, reply.Condition)
	}

	conn.Lock()
	if werr := conn.WriteRaw(reply.String() + xmpp.StreamClose); werr != nil {
		r.logger.Debug("send verify reply", "error", werr)
	}
	conn.Unlock()
	if cerr := conn.Close(); cerr != nil {
		r.logger.Debug("close connection", "error", cerr)
	}

	r.logger.Info("key verification answered",
		"local", pair.Local,
		"remote", pair.Remote,
		"stream_id", req.ID,
		"result", reply.Type,
	)
	r.metrics.RecordOutcome(RoleAuthoritative, result, time.Since(start))
	endSpan(span, result, err)
	return result == domain.VerifyValid
}

func (r *Responder) verify(ctx context.Context, req *Verify) (domain.VerifyResult, error) {
	if !r.settings.Enabled {
		return domain.VerifyDeclined, domain.ErrDialbackDisabled
	}
	expected, err := r.keys.Key(ctx, req.ID)
	if err != nil {
		return domain.VerifyError, err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(req.Key)) == 1 {
		return domain.VerifyValid, nil
	}
	return domain.VerifyInvalid, nil
}
