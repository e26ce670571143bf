package session

import "strings"

// LocalHosts recognizes the server domain and its component addresses.
type LocalHosts struct {
	hosts map[string]struct{}
}

// NewLocalHosts returns a recognizer for serverDomain and components. A
// component given as a bare label is taken as a subdomain of serverDomain.
func NewLocalHosts(serverDomain string, components []string) *LocalHosts {
	serverDomain = normalize(serverDomain)
	h := &LocalHosts{hosts: map[string]struct{}{serverDomain: {}}}
	for _, c := range components {
		c = normalize(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, ".") {
			c = c + "." + serverDomain
		}
		h.hosts[c] = struct{}{}
	}
	return h
}

// IsLocalHost reports whether host is served here.
func (h *LocalHosts) IsLocalHost(host string) bool {
	host = normalize(host)
	if host == "" {
		return false
	}
	_, ok := h.hosts[host]
	return ok
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
