package dialback

import (
	"context"
	"time"

	"github.com/polisai/polis-s2s/internal/stream"
	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// Default timeouts.
const (
	DefaultReadTimeout       = 120 * time.Second
	DefaultValidationTimeout = 5 * time.Second
)

// Settings are the dialback knobs shared by every role.
type Settings struct {
	Enabled   bool
	TLSPolicy domain.TLSPolicy
	// ReadTimeout bounds every read while talking to an Authoritative
	// Server and every idle read on inbound streams.
	ReadTimeout time.Duration
	// ValidationTimeout bounds the wait for a db:result answer in the
	// Originating role.
	ValidationTimeout time.Duration
	// AllowPlaintextFallback permits one plaintext retry when a Direct TLS
	// attempt reaches a peer that speaks plaintext.
	AllowPlaintextFallback bool
}

// DefaultSettings returns enabled dialback with optional TLS.
func DefaultSettings() Settings {
	return Settings{
		Enabled:           true,
		TLSPolicy:         domain.TLSOptional,
		ReadTimeout:       DefaultReadTimeout,
		ValidationTimeout: DefaultValidationTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.ValidationTimeout <= 0 {
		s.ValidationTimeout = DefaultValidationTimeout
	}
	if s.TLSPolicy == "" {
		s.TLSPolicy = domain.TLSOptional
	}
	return s
}

// KeySource computes dialback keys for stream IDs from the shared secret.
// *secret.Provider satisfies it.
type KeySource interface {
	Key(ctx context.Context, streamID string) (string, error)
}

// Dialer opens outbound streams. *stream.Dialer satisfies it.
type Dialer interface {
	Dial(ctx context.Context, remoteDomain string, target stream.Target) (xmpp.Conn, error)
}

// Resolver maps a domain to ordered connection candidates. *stream.Resolver
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, domainName string, port int) []stream.Target
}
