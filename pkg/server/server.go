// Package server assembles the dialback components into a running
// server-to-server endpoint: the plain and Direct TLS stream listeners and
// the admin HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/polisai/polis-s2s/internal/governance"
	"github.com/polisai/polis-s2s/internal/stream"
	tlspkg "github.com/polisai/polis-s2s/internal/tls"
	"github.com/polisai/polis-s2s/pkg/config"
	"github.com/polisai/polis-s2s/pkg/dialback"
	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/policy"
	"github.com/polisai/polis-s2s/pkg/secret"
	"github.com/polisai/polis-s2s/pkg/session"
	"github.com/polisai/polis-s2s/pkg/storage"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

const (
	listenerPlain     = "plain"
	listenerDirectTLS = "direct_tls"

	defaultShutdownTimeout = 10 * time.Second
)

// Option customises a Server.
type Option func(*Server)

// WithResolver replaces SRV based resolution of remote domains.
func WithResolver(r dialback.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithStanzaHandler receives stanzas from validated remote domains.
func WithStanzaHandler(h dialback.StanzaHandler) Option {
	return func(s *Server) { s.onStanza = h }
}

// WithCache supplies the secret cache instead of opening the configured
// backend. The caller keeps ownership.
func WithCache(c domain.Cache) Option {
	return func(s *Server) { s.sharedCache = c }
}

// Server owns the listeners and every dialback role of one local domain.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	resolver    dialback.Resolver
	onStanza    dialback.StanzaHandler
	sharedCache domain.Cache

	cache    storage.ClosableCache
	secrets  *secret.Provider
	policy   *policy.RemoteServerPolicy
	remote   *config.RemoteServerProvider
	sessions *session.Registry
	hosts    *session.LocalHosts
	dialer   *governance.GuardedDialer
	limiter  *governance.RateLimiter
	metrics  *dialback.Metrics

	certReloader *tlspkg.CertificateReloader

	originator *dialback.Originator
	incoming   *dialback.IncomingHandler
	streamOpts stream.Options

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	listeners map[string]net.Listener
	admin     *http.Server
	adminLn   net.Listener
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// New builds a Server from cfg. Nothing is bound until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "server", "domain", cfg.Server.Domain),
		listeners: make(map[string]net.Listener),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.onStanza == nil {
		s.onStanza = s.logStanza
	}
	return s, nil
}

// Start wires the components and binds the configured listeners. It
// returns once every listener accepts connections; Shutdown stops them.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server: already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.build(runCtx); err != nil {
		cancel()
		_ = s.release()
		return err
	}
	if err := s.listen(); err != nil {
		cancel()
		s.closeListeners()
		if s.adminLn != nil {
			_ = s.adminLn.Close()
			s.adminLn = nil
		}
		_ = s.release()
		return err
	}
	s.cancel = cancel
	s.running = true

	for name, ln := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(runCtx, name, ln)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.limiter.Run(runCtx)
	}()
	if s.remote != nil {
		updates := s.remote.Subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.policy.Watch(runCtx, updates)
		}()
	}
	if s.adminLn != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.admin.Serve(s.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("admin server failed", "error", err)
			}
		}()
	}

	s.logger.Info("server started",
		"listen", s.addrOf(listenerPlain),
		"direct_tls", s.addrOf(listenerDirectTLS),
		"admin", s.AdminAddr(),
		"tls_policy", string(s.cfg.Server.TLS.Policy),
		"dialback_enabled", s.cfg.Dialback.Enabled)
	return nil
}

// build constructs the component graph from configuration.
func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg

	cache := s.sharedCache
	if cache == nil {
		opened, err := storage.Open(storage.Options{
			Backend:       cfg.SecretCache.Backend,
			BoltPath:      cfg.SecretCache.BoltPath,
			RedisAddrs:    cfg.SecretCache.RedisAddrs,
			RedisPassword: cfg.SecretCache.RedisPassword,
			RedisDB:       cfg.SecretCache.RedisDB,
			KeyPrefix:     cfg.SecretCache.KeyPrefix,
			LockTTL:       cfg.SecretCache.LockTTL,
		})
		if err != nil {
			return fmt.Errorf("open secret cache: %w", err)
		}
		s.cache = opened
		cache = opened
	}
	s.secrets = secret.NewProvider(cache, s.logger)

	if err := s.buildPolicy(ctx); err != nil {
		return err
	}

	s.sessions = session.NewRegistry(cfg.Dialback.MultipleConnections, s.logger)
	s.hosts = session.NewLocalHosts(cfg.Server.Domain, cfg.Server.Components)
	s.metrics = dialback.NewMetrics()
	s.limiter = governance.NewRateLimiter(governance.RateLimiterConfig{
		RequestsPerSecond: cfg.Server.RateLimit.ConnectionsPerSecond,
		BurstSize:         cfg.Server.RateLimit.Burst,
	})

	tlsMetrics, err := tlspkg.GetTLSMetricsCollector(s.logger)
	if err != nil {
		s.logger.Warn("tls metrics unavailable", "error", err)
		tlsMetrics = nil
	}
	s.streamOpts = stream.Options{
		ReadTimeout: cfg.Dialback.ReadTimeout,
		Limits: xmpp.Limits{
			MaxElementBytes: cfg.Server.Limits.MaxElementBytes,
			MaxDepth:        cfg.Server.Limits.MaxDepth,
		},
		Logger:  s.logger,
		Metrics: tlsMetrics,
	}
	if cfg.Server.TLS.Policy != domain.TLSDisabled {
		tlsCfg := tlspkg.Config{
			CertFile:   cfg.Server.TLS.CertFile,
			KeyFile:    cfg.Server.TLS.KeyFile,
			MinVersion: cfg.Server.TLS.Version().Uint16(),
		}
		if cfg.Server.TLS.Available() {
			if s.streamOpts.ServerTLS, err = tlspkg.BuildServer(tlsCfg); err != nil {
				return err
			}
			s.reportCertificate()
		}
		if s.streamOpts.ClientTLS, err = tlspkg.BuildClient(tlsCfg, ""); err != nil {
			return err
		}
		if cfg.Server.TLS.Available() && cfg.Server.TLS.WatchCertificates {
			if err := s.watchCertificate(tlsMetrics); err != nil {
				return err
			}
		}
	}

	s.dialer = governance.NewGuardedDialer(
		stream.NewDialer(cfg.Dialback.ConnectTimeout, s.streamOpts),
		governance.DefaultCircuitBreakerConfig(),
		s.logger,
	)
	if s.resolver == nil {
		s.resolver = stream.NewResolver(s.logger)
	}

	settings := dialback.Settings{
		Enabled:                cfg.Dialback.Enabled,
		TLSPolicy:              cfg.Server.TLS.Policy,
		ReadTimeout:            cfg.Dialback.ReadTimeout,
		ValidationTimeout:      cfg.Dialback.ValidationTimeout,
		AllowPlaintextFallback: cfg.Dialback.AllowPlaintextFallback,
	}

	var certs domain.CertificateVerifier
	if cfg.Server.TLS.CertificateAuth && cfg.Server.TLS.Available() {
		certs = tlspkg.NewCertVerifier(cfg.Server.TLS.TrustBundle, s.logger, tlsMetrics)
	}

	verifier := dialback.NewKeyVerifier(dialback.KeyVerifierConfig{
		Dialer:   s.dialer,
		Resolver: s.resolver,
		Hosts:    s.hosts,
		Policy:   s.policy,
		Settings: settings,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	validator := dialback.NewValidator(dialback.ValidatorConfig{
		Verifier:     verifier,
		Policy:       s.policy,
		Hosts:        s.hosts,
		Sessions:     s.sessions,
		Certificates: certs,
		Settings:     settings,
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
	responder := dialback.NewResponder(dialback.ResponderConfig{
		Keys:     s.secrets,
		Settings: settings,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	s.incoming = dialback.NewIncomingHandler(dialback.IncomingConfig{
		Validator:    validator,
		Responder:    responder,
		Sessions:     s.sessions,
		Hosts:        s.hosts,
		LocalDomain:  cfg.Server.Domain,
		TLSAvailable: s.streamOpts.ServerTLS != nil,
		OnStanza:     s.onStanza,
		Settings:     settings,
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
	s.originator = dialback.NewOriginator(dialback.OriginatorConfig{
		Keys:     s.secrets,
		Dialer:   s.dialer,
		Resolver: s.resolver,
		Policy:   s.policy,
		Sessions: s.sessions,
		Settings: settings,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})

	s.admin = newAdminServer(s)
	return nil
}

func (s *Server) buildPolicy(ctx context.Context) error {
	rs := s.cfg.RemoteServers

	set := rs.Set()
	if rs.File != "" {
		provider, err := config.NewRemoteServerProvider(rs.File, s.logger)
		if err != nil {
			return fmt.Errorf("load remote servers: %w", err)
		}
		s.remote = provider
		set = provider.Current()
	}

	posture, err := policy.ParseMode(rs.Rego.FailureMode)
	if err != nil {
		return fmt.Errorf("remote server policy: %w", err)
	}

	var filter policy.Filter
	if len(rs.Rego.Modules) > 0 {
		modules, err := rs.LoadRegoModules()
		if err != nil {
			return err
		}
		engine, err := policy.NewEngine(ctx, policy.EngineOptions{
			Entrypoint:      rs.Rego.Entrypoint,
			Modules:         modules,
			CacheMaxEntries: rs.Rego.CacheSize,
			Logger:          s.logger,
		})
		if err != nil {
			return fmt.Errorf("compile remote server policy: %w", err)
		}
		filter = engine
	}

	s.policy, err = policy.NewRemoteServerPolicy(policy.RemoteServerConfig{
		Servers:     set,
		LocalDomain: s.cfg.Server.Domain,
		Rego:        filter,
		Posture:     posture,
		Logger:      s.logger,
	})
	return err
}

func (s *Server) listen() error {
	cfg := s.cfg.Server
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return tlspkg.NewListenerCreateError(cfg.ListenAddress, err)
	}
	s.listeners[listenerPlain] = ln

	if cfg.DirectTLSAddress != "" {
		if s.streamOpts.ServerTLS == nil {
			return tlspkg.NewConfigMissingError("direct tls certificate")
		}
		ln, err := net.Listen("tcp", cfg.DirectTLSAddress)
		if err != nil {
			return tlspkg.NewListenerCreateError(cfg.DirectTLSAddress, err)
		}
		s.listeners[listenerDirectTLS] = ln
	}

	if cfg.AdminAddress != "" && cfg.AdminAddress != "-" {
		ln, err := net.Listen("tcp", cfg.AdminAddress)
		if err != nil {
			return fmt.Errorf("admin listener %s: %w", cfg.AdminAddress, err)
		}
		s.adminLn = ln
	}
	return nil
}

// Shutdown stops accepting, closes every tracked stream and waits for the
// connection handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.closeListeners()
	s.mu.Unlock()

	var errs []error
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}

	s.sessions.CloseAll()
	s.closeConns()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.mu.Lock()
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	s.mu.Unlock()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Close shuts the server down with the default grace period.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

func (s *Server) release() error {
	var errs []error
	if s.certReloader != nil {
		if err := s.certReloader.Close(); err != nil {
			errs = append(errs, err)
		}
		s.certReloader = nil
	}
	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			errs = append(errs, err)
		}
		s.remote = nil
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, err)
		}
		s.cache = nil
	}
	return errors.Join(errs...)
}

// Connect returns an authenticated outgoing session for local → remote,
// reusing an established one. Another local domain is authenticated on a
// stream that already reaches remote instead of opening a new one. A zero
// port resolves the remote domain.
func (s *Server) Connect(ctx context.Context, local, remote string, port int) (*session.OutgoingSession, error) {
	if s.originator == nil {
		return nil, errors.New("server: not started")
	}
	if local == "" {
		local = s.cfg.Server.Domain
	}
	pair := domain.DomainPair{Local: domain.NormalizeDomain(local), Remote: domain.NormalizeDomain(remote)}
	if !s.hosts.IsLocalHost(pair.Local) {
		return nil, fmt.Errorf("server: %s is not served locally", pair.Local)
	}
	if existing, ok := s.sessions.Outgoing(pair); ok {
		return existing, nil
	}
	if shared, ok := s.sessions.OutgoingTo(pair.Remote); ok {
		if err := s.originator.AuthenticateSubdomain(ctx, shared, pair); err != nil {
			return nil, err
		}
		return shared, nil
	}
	return s.originator.CreateOutgoingSession(ctx, pair, port)
}

// Sessions exposes the routing table.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Addr returns the bound plaintext listener address.
func (s *Server) Addr() string { return s.addrOf(listenerPlain) }

// DirectTLSAddr returns the bound Direct TLS listener address, if any.
func (s *Server) DirectTLSAddr() string { return s.addrOf(listenerDirectTLS) }

// AdminAddr returns the bound admin address, if any.
func (s *Server) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

func (s *Server) addrOf(name string) string {
	if ln, ok := s.listeners[name]; ok {
		return ln.Addr().String()
	}
	return ""
}

// reportCertificate logs problems peers would hit with the configured leaf.
func (s *Server) reportCertificate() {
	report, err := tlspkg.NewCertificateInspector().InspectCertificateFile(s.cfg.Server.TLS.CertFile, s.cfg.Server.Domain)
	if err != nil {
		s.logger.Warn("certificate inspection failed", "error", err)
		return
	}
	for _, w := range report.Warnings {
		s.logger.Warn("certificate warning", "file", report.File, "warning", w)
	}
	for _, e := range report.Errors {
		s.logger.Error("certificate problem", "file", report.File, "problem", e)
	}
}

func (s *Server) watchCertificate(metrics *tlspkg.TLSMetricsCollector) error {
	tlsCfg := s.cfg.Server.TLS
	reloader, err := tlspkg.NewCertificateReloader(tlsCfg.CertFile, tlsCfg.KeyFile, s.cfg.Server.Domain, s.logger, metrics)
	if err != nil {
		return err
	}
	reloader.Attach(s.streamOpts.ServerTLS, s.streamOpts.ClientTLS)
	if err := reloader.Watch(); err != nil {
		return err
	}
	s.certReloader = reloader
	return nil
}
