// Package policy decides which remote servers may federate with this server.
//
// Decisions come from a Chain of filters: the configured remote-server list
// (blacklist or whitelist permission policy) followed by an optional
// embedded Open Policy Agent engine evaluating Rego modules. When the
// engine fails, the configured failure posture decides the outcome.
// RemoteServerPolicy implements domain.AccessPolicy and is hot-swapped when
// the remote-server file changes.
package policy
