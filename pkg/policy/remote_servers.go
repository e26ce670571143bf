package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/telemetry"
)

// RemoteServerConfig configures a RemoteServerPolicy.
type RemoteServerConfig struct {
	Servers     domain.RemoteServerSet
	LocalDomain string
	// Rego is evaluated after the remote-server list admits a domain. Nil
	// skips it.
	Rego    Filter
	Posture Mode
	Logger  *slog.Logger
}

// RemoteServerPolicy implements domain.AccessPolicy over the configured
// remote-server list and an optional Rego filter.
type RemoteServerPolicy struct {
	current     atomic.Pointer[remoteServerList]
	generation  atomic.Uint64
	rego        Filter
	posture     Mode
	localDomain string
	logger      *slog.Logger
}

var _ domain.AccessPolicy = (*RemoteServerPolicy)(nil)

type remoteServerList struct {
	policy     domain.PermissionPolicy
	servers    map[string]domain.RemoteServer
	generation string
}

// NewRemoteServerPolicy validates the initial remote-server set and builds
// the policy.
func NewRemoteServerPolicy(cfg RemoteServerConfig) (*RemoteServerPolicy, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	posture := cfg.Posture
	if posture == "" {
		posture = ModeFailClosed
	}
	if !posture.IsValid() {
		return nil, fmt.Errorf("policy: invalid failure posture %q", posture)
	}

	p := &RemoteServerPolicy{
		rego:        cfg.Rego,
		posture:     posture,
		localDomain: domain.NormalizeDomain(cfg.LocalDomain),
		logger:      logger.With("component", "access_policy"),
	}
	if err := p.Update(cfg.Servers); err != nil {
		return nil, err
	}
	return p, nil
}

// Update atomically replaces the remote-server list. An invalid set leaves
// the previous list in force.
func (p *RemoteServerPolicy) Update(set domain.RemoteServerSet) error {
	permission := set.PermissionPolicy
	if permission == "" {
		permission = domain.PermissionBlacklist
	}
	if permission != domain.PermissionBlacklist && permission != domain.PermissionWhitelist {
		return fmt.Errorf("policy: unknown permission policy %q", set.PermissionPolicy)
	}

	servers := make(map[string]domain.RemoteServer, len(set.Servers))
	for _, server := range set.Servers {
		name := domain.NormalizeDomain(server.Domain)
		if name == "" {
			return errors.New("policy: remote server entry without domain")
		}
		if server.Port < 0 || server.Port > 65535 {
			return fmt.Errorf("policy: remote server %s: invalid port %d", name, server.Port)
		}
		switch server.Permission {
		case "":
			server.Permission = domain.PermissionAllowed
		case domain.PermissionAllowed, domain.PermissionBlocked:
		default:
			return fmt.Errorf("policy: remote server %s: unknown permission %q", name, server.Permission)
		}
		server.Domain = name
		servers[name] = server
	}

	generation := p.generation.Add(1)
	p.current.Store(&remoteServerList{
		policy:     permission,
		servers:    servers,
		generation: strconv.FormatUint(generation, 10),
	})
	// Cached decisions are keyed by generation and can never hit again.
	if flusher, ok := p.rego.(interface{ FlushCache() }); ok {
		flusher.FlushCache()
	}
	p.logger.Info("remote server list applied",
		"permission_policy", string(permission),
		"servers", len(servers),
		"generation", generation)
	return nil
}

// Watch applies every set received from updates until ctx is done or the
// channel closes.
func (p *RemoteServerPolicy) Watch(ctx context.Context, updates <-chan domain.RemoteServerSet) {
	for {
		select {
		case <-ctx.Done():
			return
		case set, ok := <-updates:
			if !ok {
				return
			}
			if err := p.Update(set); err != nil {
				p.logger.Warn("rejected remote server list", "error", err)
			}
		}
	}
}

// CanAccess reports whether remoteDomain may federate with this server.
func (p *RemoteServerPolicy) CanAccess(ctx context.Context, remoteDomain string) bool {
	return p.Decide(ctx, remoteDomain).Allowed()
}

// Decide evaluates the full chain for remoteDomain.
func (p *RemoteServerPolicy) Decide(ctx context.Context, remoteDomain string) Decision {
	name := domain.NormalizeDomain(remoteDomain)
	if name == "" {
		return Decision{Action: ActionBlock, Reason: "empty remote domain", Metadata: map[string]string{}}
	}

	list := p.current.Load()
	input := Input{
		RemoteDomain: name,
		LocalDomain:  p.localDomain,
		Generation:   list.generation,
	}

	var filters []Filter
	filters = append(filters, list)
	if p.rego != nil {
		filters = append(filters, p.rego)
	}
	decision, err := NewChain(filters...).Evaluate(ctx, input)
	if err != nil {
		decision = p.posture.OnError(err)
		p.logger.Warn("access policy evaluation failed",
			"remote", name,
			"posture", string(p.posture),
			"error", err)
	}
	if !decision.Allowed() {
		p.logger.Debug("remote server denied", "remote", name, "reason", decision.Reason)
	}
	telemetry.RecordAccessDecision(trace.SpanFromContext(ctx), name, decision.Allowed(), decision.Reason)
	return decision
}

// PortForServer returns the configured port for remoteDomain, or zero.
func (p *RemoteServerPolicy) PortForServer(remoteDomain string) int {
	server, ok := p.current.Load().servers[domain.NormalizeDomain(remoteDomain)]
	if !ok {
		return 0
	}
	return server.Port
}

// Servers returns a copy of the active remote-server entries.
func (p *RemoteServerPolicy) Servers() domain.RemoteServerSet {
	list := p.current.Load()
	set := domain.RemoteServerSet{PermissionPolicy: list.policy}
	for _, server := range list.servers {
		set.Servers = append(set.Servers, server)
	}
	sort.Slice(set.Servers, func(i, j int) bool {
		return set.Servers[i].Domain < set.Servers[j].Domain
	})
	return set
}

// Evaluate applies the permission policy to input.RemoteDomain.
func (l *remoteServerList) Evaluate(_ context.Context, input Input) (Decision, error) {
	server, listed := l.servers[input.RemoteDomain]
	meta := map[string]string{"permission_policy": string(l.policy)}

	if listed && server.Permission == domain.PermissionBlocked {
		return Decision{Action: ActionBlock, Reason: "remote server is blocked", Metadata: meta}, nil
	}
	if l.policy == domain.PermissionWhitelist && !listed {
		return Decision{Action: ActionBlock, Reason: "remote server is not in the whitelist", Metadata: meta}, nil
	}
	return Decision{Action: ActionAllow, Metadata: meta}, nil
}
