package xmpp

// Namespaces used on server-to-server streams.
const (
	NSStreams         = "http://etherx.jabber.org/streams"
	NSServer          = "jabber:server"
	NSDialback        = "jabber:server:dialback"
	NSTLS             = "urn:ietf:params:xml:ns:xmpp-tls"
	NSStreamErrors    = "urn:ietf:params:xml:ns:xmpp-streams"
	NSStanzaErrors    = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSDialbackFeature = "urn:xmpp:features:dialback"

	// DialbackPrefix is the prefix conventionally bound to NSDialback.
	DialbackPrefix = "db"
)

// Stream error conditions.
const (
	StreamBadFormat        = "bad-format"
	StreamHostUnknown      = "host-unknown"
	StreamInvalidFrom      = "invalid-from"
	StreamInvalidID        = "invalid-id"
	StreamInvalidNamespace = "invalid-namespace"
	StreamInvalidXML       = "invalid-xml"
	StreamPolicyViolation  = "policy-violation"
	StreamNotAuthorized    = "not-authorized"
	StreamUndefined        = "undefined-condition"
)

// Stanza error conditions carried by dialback error replies.
const (
	StanzaItemNotFound         = "item-not-found"
	StanzaResourceConstraint   = "resource-constraint"
	StanzaRemoteServerNotFound = "remote-server-not-found"
	StanzaRemoteServerTimeout  = "remote-server-timeout"
	StanzaPolicyViolation      = "policy-violation"
	StanzaInternalServerError  = "internal-server-error"
)
