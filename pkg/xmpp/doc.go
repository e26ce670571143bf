// Package xmpp implements the subset of the XMPP server-to-server wire format
// needed for dialback: stream headers, top-level elements, stream and stanza
// errors, and the Conn contract the dialback roles are written against.
package xmpp
