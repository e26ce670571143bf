package domain

import "strings"

// Permission is the access decision configured for one remote server.
type Permission string

const (
	PermissionAllowed Permission = "allowed"
	PermissionBlocked Permission = "blocked"
)

// PermissionPolicy selects how unlisted remote servers are treated.
type PermissionPolicy string

const (
	// PermissionBlacklist admits every remote server that is not blocked.
	PermissionBlacklist PermissionPolicy = "blacklist"
	// PermissionWhitelist admits only explicitly allowed remote servers.
	PermissionWhitelist PermissionPolicy = "whitelist"
)

// RemoteServer is the per-domain configuration of a peer server.
type RemoteServer struct {
	Domain     string     `yaml:"domain" json:"domain"`
	Port       int        `yaml:"port,omitempty" json:"port,omitempty"`
	Permission Permission `yaml:"permission,omitempty" json:"permission,omitempty"`
}

// NormalizeDomain lowercases a domain and strips a trailing dot.
func NormalizeDomain(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// RemoteServerSet is the complete remote-server configuration published by
// the config layer.
type RemoteServerSet struct {
	PermissionPolicy PermissionPolicy `yaml:"permission_policy" json:"permission_policy"`
	Servers          []RemoteServer   `yaml:"servers" json:"servers"`
}
