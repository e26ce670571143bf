// Package dialback implements XMPP server dialback (XEP-0220).
//
// The three server roles are separate types sharing only the secret
// provider: Originator asserts a key for a local domain, Validator checks
// a key received from a peer by way of a KeyVerifier that talks to the
// peer's Authoritative Server, and Responder answers verification
// requests for keys this server issued. IncomingHandler drives an inbound
// stream and dispatches dialback elements to Validator and Responder.
package dialback
