package session

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// IncomingSession is an inbound stream and the remote domains validated on
// it. One stream may carry several pairs.
type IncomingSession struct {
	StreamID   domain.StreamID `json:"stream_id"`
	RemoteAddr string          `json:"remote_addr"`
	CreatedAt  time.Time       `json:"created_at"`

	conn      xmpp.Conn
	mu        sync.RWMutex
	validated map[domain.DomainPair]domain.AuthMethod
}

func newIncomingSession(streamID domain.StreamID, conn xmpp.Conn) *IncomingSession {
	s := &IncomingSession{
		StreamID:  streamID,
		CreatedAt: time.Now(),
		conn:      conn,
		validated: make(map[domain.DomainPair]domain.AuthMethod),
	}
	if conn != nil {
		s.RemoteAddr = conn.RemoteAddr()
	}
	return s
}

// IsValidated reports whether remote has been authenticated to send for
// local on this stream.
func (s *IncomingSession) IsValidated(local, remote string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.validated[domain.DomainPair{Local: local, Remote: remote}]
	return ok
}

// HasValidatedDomain reports whether any pair has been validated.
func (s *IncomingSession) HasValidatedDomain() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.validated) > 0
}

// Pairs returns the validated pairs.
func (s *IncomingSession) Pairs() []domain.DomainPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := make([]domain.DomainPair, 0, len(s.validated))
	for p := range s.validated {
		pairs = append(pairs, p)
	}
	return pairs
}

// AuthMethod returns how pair was authenticated.
func (s *IncomingSession) AuthMethod(pair domain.DomainPair) (domain.AuthMethod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.validated[pair]
	return m, ok
}

func (s *IncomingSession) add(pair domain.DomainPair, method domain.AuthMethod) {
	s.mu.Lock()
	s.validated[pair] = method
	s.mu.Unlock()
}

// OutgoingSession is an outbound stream on which this server has
// authenticated one or more local domains. Once a reader owns the stream,
// dialback answers reach waiters through Deliver and NextElement.
type OutgoingSession struct {
	StreamID  domain.StreamID `json:"stream_id"`
	CreatedAt time.Time       `json:"created_at"`

	conn     xmpp.Conn
	mu       sync.RWMutex
	pairs    map[domain.DomainPair]struct{}
	registry *Registry

	replies   chan *xmpp.Element
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

const replyBacklog = 16

// NewOutgoingSession binds conn to the authenticated pair.
func NewOutgoingSession(conn xmpp.Conn, pair domain.DomainPair, streamID domain.StreamID) *OutgoingSession {
	return &OutgoingSession{
		StreamID:  streamID,
		CreatedAt: time.Now(),
		conn:      conn,
		pairs:     map[domain.DomainPair]struct{}{pair: {}},
		replies:   make(chan *xmpp.Element, replyBacklog),
		done:      make(chan struct{}),
	}
}

// Conn returns the underlying stream.
func (s *OutgoingSession) Conn() xmpp.Conn { return s.conn }

// AddPair records another pair authenticated on the same stream.
func (s *OutgoingSession) AddPair(pair domain.DomainPair) {
	s.mu.Lock()
	s.pairs[pair] = struct{}{}
	s.mu.Unlock()
}

// IsAuthenticated reports whether pair was authenticated on this stream.
func (s *OutgoingSession) IsAuthenticated(pair domain.DomainPair) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pairs[pair]
	return ok
}

// Pairs returns the authenticated pairs.
func (s *OutgoingSession) Pairs() []domain.DomainPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := make([]domain.DomainPair, 0, len(s.pairs))
	for p := range s.pairs {
		pairs = append(pairs, p)
	}
	return pairs
}

// Send writes a pre-rendered stanza.
func (s *OutgoingSession) Send(raw string) error {
	return s.conn.WriteRaw(raw)
}

// Deliver queues an element read from the stream for NextElement. It
// reports false when the backlog is full or the session is closed.
func (s *OutgoingSession) Deliver(el *xmpp.Element) bool {
	if s.Closed() {
		return false
	}
	select {
	case s.replies <- el:
		return true
	default:
		return false
	}
}

// NextElement waits for the next delivered element.
func (s *OutgoingSession) NextElement(ctx context.Context, timeout time.Duration) (*xmpp.Element, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case el := <-s.replies:
		return el, nil
	case <-s.done:
		return nil, domain.ErrConnectionClosed
	case <-timer.C:
		return nil, domain.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the session is closed.
func (s *OutgoingSession) Done() <-chan struct{} { return s.done }

// Closed reports whether Close has been called.
func (s *OutgoingSession) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *OutgoingSession) attach(r *Registry) {
	s.mu.Lock()
	s.registry = r
	s.mu.Unlock()
}

// Close ends the stream and removes the session from its registry. It is
// safe to call more than once.
func (s *OutgoingSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteRaw(xmpp.StreamClose)
		s.closeErr = s.conn.Close()
		close(s.done)

		s.mu.RLock()
		r := s.registry
		s.mu.RUnlock()
		if r != nil {
			r.dropOutgoing(s)
		}
	})
	return s.closeErr
}
