package server

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"time"

	"github.com/polisai/polis-s2s/internal/stream"
	"github.com/polisai/polis-s2s/pkg/session"
	"github.com/polisai/polis-s2s/pkg/telemetry"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

const acceptBackoffMax = time.Second

func (s *Server) acceptLoop(ctx context.Context, name string, ln net.Listener) {
	defer s.wg.Done()

	s.logger.Info("accepting server connections", "listener", name, "address", ln.Addr().String())

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures (e.g. EMFILE) are retried with backoff.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > acceptBackoffMax {
				backoff = acceptBackoffMax
			}
			s.logger.Error("failed to accept connection", "listener", name, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if !s.limiter.Allow(remoteIP(nc.RemoteAddr())) {
			s.logger.Warn("connection rate limited", "listener", name, "remote_addr", nc.RemoteAddr().String())
			telemetry.RecordConnection(ctx, telemetry.ConnectionMetrics{
				Listener: name,
				Outcome:  telemetry.OutcomeRateLimited,
			})
			_ = nc.Close()
			continue
		}

		if !s.track(nc) {
			_ = nc.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(ctx, name, nc)
	}
}

func (s *Server) serveConn(ctx context.Context, name string, nc net.Conn) {
	defer s.wg.Done()
	defer s.untrack(nc)

	start := time.Now()
	outcome := telemetry.OutcomeCompleted
	defer func() {
		if r := recover(); r != nil {
			outcome = telemetry.OutcomePanic
			s.logger.Error("connection handler panicked",
				"listener", name,
				"remote_addr", nc.RemoteAddr().String(),
				"panic", r,
				"stack", string(debug.Stack()))
			_ = nc.Close()
		}
		telemetry.RecordConnection(ctx, telemetry.ConnectionMetrics{
			Listener: name,
			Outcome:  outcome,
			Duration: time.Since(start),
		})
	}()

	conn := stream.NewConn(nc, s.streamOpts)
	if name == listenerDirectTLS {
		if err := conn.StartTLS(ctx, false, true); err != nil {
			s.logger.Debug("direct tls handshake failed", "remote_addr", nc.RemoteAddr().String(), "error", err)
			_ = conn.Close()
			return
		}
	}
	s.incoming.Handle(ctx, conn)
}

// track registers nc so Shutdown can unblock its handler. It reports false
// once the server is stopping.
func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.conns[nc] = struct{}{}
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for nc := range s.conns {
		conns = append(conns, nc)
	}
	s.mu.Unlock()

	for _, nc := range conns {
		_ = nc.Close()
	}
}

func (s *Server) logStanza(_ context.Context, sess *session.IncomingSession, el *xmpp.Element) {
	s.logger.Debug("stanza received",
		"stream_id", sess.StreamID.String(),
		"name", el.Name.Local,
		"from", el.Attr("from"),
		"to", el.Attr("to"))
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
