package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-s2s/internal/governance"
	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/session"
)

// AdminStatus is served on /status.
type AdminStatus struct {
	Domain          string                                    `json:"domain"`
	DialbackEnabled bool                                      `json:"dialback_enabled"`
	TLSPolicy       domain.TLSPolicy                          `json:"tls_policy"`
	Sessions        session.Stats                             `json:"sessions"`
	RemoteServers   domain.RemoteServerSet                    `json:"remote_servers"`
	Breakers        map[string]governance.CircuitBreakerStats `json:"breakers"`
	RateLimits      map[string]governance.RateLimitStats      `json:"rate_limits,omitempty"`
}

func newAdminServer(s *Server) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/status", otelhttp.NewHandler(http.HandlerFunc(s.serveStatus), "polis.s2s.admin.status"))
	mux.Handle("/breakers/reset", otelhttp.NewHandler(http.HandlerFunc(s.serveBreakerReset), "polis.s2s.admin.breakers_reset"))

	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Debug("failed to encode status", "error", err)
	}
}

func (s *Server) serveBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.dialer.ResetBreakers()
	w.WriteHeader(http.StatusNoContent)
}

// Status snapshots the routing table and the outbound governance state.
func (s *Server) Status() AdminStatus {
	return AdminStatus{
		Domain:          s.cfg.Server.Domain,
		DialbackEnabled: s.cfg.Dialback.Enabled,
		TLSPolicy:       s.cfg.Server.TLS.Policy,
		Sessions:        s.sessions.Stats(),
		RemoteServers:   s.policy.Servers(),
		Breakers:        s.dialer.Stats(),
		RateLimits:      s.limiter.Stats(),
	}
}
