package stream

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"
)

// DefaultServerPort is the registered port for plaintext server-to-server
// streams.
const DefaultServerPort = 5269

// SRV service names for server-to-server streams.
const (
	ServiceDirectTLS = "xmpps-server"
	ServiceStartTLS  = "xmpp-server"
)

// Resolver maps an XMPP domain to ordered connection candidates.
type Resolver struct {
	lookupSRV func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	logger    *slog.Logger
}

// NewResolver returns a Resolver using the system DNS resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		lookupSRV: net.DefaultResolver.LookupSRV,
		logger:    logger.With("component", "resolver"),
	}
}

type candidate struct {
	target   Target
	priority uint16
	weight   uint16
}

// Resolve returns the candidates for domainName, tried in order. A
// positive port override bypasses SRV lookups. Without usable SRV records
// the domain itself is tried on the default port.
func (r *Resolver) Resolve(ctx context.Context, domainName string, port int) []Target {
	if port > 0 {
		return []Target{{Host: domainName, Port: port}}
	}

	var candidates []candidate
	for _, svc := range []struct {
		name   string
		direct bool
	}{{ServiceDirectTLS, true}, {ServiceStartTLS, false}} {
		_, records, err := r.lookupSRV(ctx, svc.name, "tcp", domainName)
		if err != nil {
			r.logger.Debug("SRV lookup failed", "service", svc.name, "domain", domainName, "error", err)
			continue
		}
		for _, rec := range records {
			host := strings.TrimSuffix(rec.Target, ".")
			// "." means the service is decidedly not available.
			if host == "" {
				continue
			}
			candidates = append(candidates, candidate{
				target:   Target{Host: host, Port: int(rec.Port), DirectTLS: svc.direct},
				priority: rec.Priority,
				weight:   rec.Weight,
			})
		}
	}

	if len(candidates) == 0 {
		return []Target{{Host: domainName, Port: DefaultServerPort}}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		if candidates[i].target.DirectTLS != candidates[j].target.DirectTLS {
			return candidates[i].target.DirectTLS
		}
		return candidates[i].weight > candidates[j].weight
	})

	targets := make([]Target, 0, len(candidates))
	for _, c := range candidates {
		targets = append(targets, c.target)
	}
	return targets
}
