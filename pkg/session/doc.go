// Package session tracks authenticated server-to-server streams and the
// domain pairs validated on each of them.
package session
