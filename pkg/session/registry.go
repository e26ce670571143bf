package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// ErrUnknownStream is returned when a domain is registered for a stream
// the registry does not track.
var ErrUnknownStream = errors.New("unknown stream")

// Registry is the in-process routing table of incoming and outgoing
// server sessions.
type Registry struct {
	mu       sync.RWMutex
	incoming map[domain.StreamID]*IncomingSession
	outgoing map[domain.DomainPair]*OutgoingSession

	allowMultiple bool
	logger        *slog.Logger
}

// NewRegistry creates a registry. allowMultiple permits several inbound
// streams to be validated for the same pair.
func NewRegistry(allowMultiple bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		incoming:      make(map[domain.StreamID]*IncomingSession),
		outgoing:      make(map[domain.DomainPair]*OutgoingSession),
		allowMultiple: allowMultiple,
		logger:        logger.With("component", "session"),
	}
}

// OpenIncoming starts tracking an inbound stream.
func (r *Registry) OpenIncoming(streamID domain.StreamID, conn xmpp.Conn) *IncomingSession {
	s := newIncomingSession(streamID, conn)
	r.mu.Lock()
	r.incoming[streamID] = s
	r.mu.Unlock()
	return s
}

// Incoming returns the inbound session for streamID.
func (r *Registry) Incoming(streamID domain.StreamID) (*IncomingSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.incoming[streamID]
	return s, ok
}

// RemoveIncoming stops tracking an inbound stream.
func (r *Registry) RemoveIncoming(streamID domain.StreamID) {
	r.mu.Lock()
	s, ok := r.incoming[streamID]
	delete(r.incoming, streamID)
	r.mu.Unlock()

	if ok && s.HasValidatedDomain() {
		r.logger.Info("Incoming session closed", "stream_id", streamID.String(), "pairs", len(s.Pairs()))
	}
}

// HasIncomingSession reports whether any inbound stream has validated
// remote for local.
func (r *Registry) HasIncomingSession(remote, local string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.incoming {
		if s.IsValidated(local, remote) {
			return true
		}
	}
	return false
}

// AllowsMultipleConnections reports whether a pair may be validated on
// several inbound streams at once.
func (r *Registry) AllowsMultipleConnections() bool {
	return r.allowMultiple
}

// RegisterValidatedDomain records pair as authenticated on streamID. When
// multiple connections are not allowed it fails with
// domain.ErrSessionExists if another stream validated the pair first.
func (r *Registry) RegisterValidatedDomain(streamID domain.StreamID, pair domain.DomainPair, method domain.AuthMethod) error {
	r.mu.Lock()
	s, ok := r.incoming[streamID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	if !r.allowMultiple {
		for id, other := range r.incoming {
			if id != streamID && other.IsValidated(pair.Local, pair.Remote) {
				r.mu.Unlock()
				return fmt.Errorf("%w: %s on stream %s", domain.ErrSessionExists, pair, id)
			}
		}
	}
	s.add(pair, method)
	r.mu.Unlock()

	r.logger.Info("Remote domain validated",
		"stream_id", streamID.String(),
		"local", pair.Local,
		"remote", pair.Remote,
		"method", string(method),
	)
	return nil
}

// AddOutgoing records an authenticated outbound session, replacing and
// closing any previous session for the same pair. Closing s later removes
// every pair routed through it.
func (r *Registry) AddOutgoing(pair domain.DomainPair, s *OutgoingSession) {
	s.attach(r)
	r.mu.Lock()
	prev := r.outgoing[pair]
	r.outgoing[pair] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		if err := prev.Close(); err != nil {
			r.logger.Debug("close replaced outgoing session", "pair", pair.String(), "error", err)
		}
	}
}

// Outgoing returns the live outbound session for pair.
func (r *Registry) Outgoing(pair domain.DomainPair) (*OutgoingSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.outgoing[pair]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// OutgoingTo returns a live outbound session to remote authenticated for
// any local domain.
func (r *Registry) OutgoingTo(remote string) (*OutgoingSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p, s := range r.outgoing {
		if p.Remote == remote && !s.Closed() {
			return s, true
		}
	}
	return nil, false
}

// dropOutgoing forgets every pair routed through s.
func (r *Registry) dropOutgoing(s *OutgoingSession) {
	r.mu.Lock()
	var dropped int
	for p, cur := range r.outgoing {
		if cur == s {
			delete(r.outgoing, p)
			dropped++
		}
	}
	r.mu.Unlock()
	if dropped > 0 {
		r.logger.Info("Outgoing session closed", "stream_id", s.StreamID.String(), "pairs", dropped)
	}
}

// RemoveOutgoing forgets the outbound session for pair.
func (r *Registry) RemoveOutgoing(pair domain.DomainPair) {
	r.mu.Lock()
	delete(r.outgoing, pair)
	r.mu.Unlock()
}

// Stats summarizes the registry.
type Stats struct {
	Incoming      int                 `json:"incoming"`
	Outgoing      int                 `json:"outgoing"`
	IncomingPairs []domain.DomainPair `json:"incoming_pairs"`
	OutgoingPairs []domain.DomainPair `json:"outgoing_pairs"`
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Incoming: len(r.incoming), Outgoing: len(r.outgoing)}
	for _, s := range r.incoming {
		st.IncomingPairs = append(st.IncomingPairs, s.Pairs()...)
	}
	for p := range r.outgoing {
		st.OutgoingPairs = append(st.OutgoingPairs, p)
	}
	return st
}

// CloseAll closes every tracked stream.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	incoming := r.incoming
	outgoing := r.outgoing
	r.incoming = make(map[domain.StreamID]*IncomingSession)
	r.outgoing = make(map[domain.DomainPair]*OutgoingSession)
	r.mu.Unlock()

	for _, s := range incoming {
		if s.conn != nil {
			_ = s.conn.WriteRaw(xmpp.StreamClose)
			_ = s.conn.Close()
		}
	}
	for _, s := range outgoing {
		_ = s.Close()
	}
}
