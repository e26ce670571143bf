package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-s2s/internal/stream"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// StreamDialer opens outbound streams; *stream.Dialer satisfies it.
type StreamDialer interface {
	Dial(ctx context.Context, remoteDomain string, target stream.Target) (xmpp.Conn, error)
}

// GuardedDialer rejects endpoints whose circuit is open without dialing
// them. Only connection establishment counts; TLS and stream failures do not.
type GuardedDialer struct {
	next     StreamDialer
	breakers *CircuitBreakerManager
	logger   *slog.Logger
}

// NewGuardedDialer wraps next with one circuit breaker per host:port.
func NewGuardedDialer(next StreamDialer, config CircuitBreakerConfig, logger *slog.Logger) *GuardedDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedDialer{
		next:     next,
		breakers: NewCircuitBreakerManager(config),
		logger:   logger.With("component", "guarded_dialer"),
	}
}

// Dial connects through the breaker of target's address.
func (d *GuardedDialer) Dial(ctx context.Context, remoteDomain string, target stream.Target) (xmpp.Conn, error) {
	breaker := d.breakers.Get(target.Addr())

	var conn xmpp.Conn
	err := breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var dialErr error
		conn, dialErr = d.next.Dial(ctx, remoteDomain, target)
		return dialErr
	})
	if errors.Is(err, ErrCircuitOpen) {
		d.logger.Debug("skipping endpoint with open circuit", "remote", remoteDomain, "target", target.String())
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stats reports breaker state per endpoint.
func (d *GuardedDialer) Stats() map[string]CircuitBreakerStats {
	return d.breakers.Stats()
}

// ResetBreakers closes every endpoint circuit.
func (d *GuardedDialer) ResetBreakers() {
	d.breakers.ResetAll()
	d.logger.Info("circuit breakers reset")
}
