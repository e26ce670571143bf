package xmpp

import (
	"fmt"
	"strings"
)

// StreamHeader is the opening <stream:stream> element of a stream.
type StreamHeader struct {
	From    string
	To      string
	ID      string
	Version string
	// DefaultNamespace is the value of the default xmlns declaration.
	DefaultNamespace string
	// Dialback is true when the header binds the db prefix to the dialback
	// namespace.
	Dialback bool
}

// Open renders the header, preceded by an XML declaration. Empty fields
// are omitted.
func (h StreamHeader) Open() string {
	var b strings.Builder
	b.WriteString("<?xml version='1.0' encoding='UTF-8'?>")
	b.WriteString("<stream:stream")
	writeAttr(&b, "xmlns:stream", NSStreams)
	ns := h.DefaultNamespace
	if ns == "" {
		ns = NSServer
	}
	writeAttr(&b, "xmlns", ns)
	if h.Dialback {
		writeAttr(&b, "xmlns:db", NSDialback)
	}
	if h.From != "" {
		writeAttr(&b, "from", h.From)
	}
	if h.To != "" {
		writeAttr(&b, "to", h.To)
	}
	if h.ID != "" {
		writeAttr(&b, "id", h.ID)
	}
	if h.Version != "" {
		writeAttr(&b, "version", h.Version)
	}
	b.WriteByte('>')
	return b.String()
}

// StreamClose terminates a stream.
const StreamClose = "</stream:stream>"

// StreamError renders a stream-level error followed by the stream close.
func StreamError(condition, text string) string {
	var b strings.Builder
	b.WriteString("<stream:error>")
	fmt.Fprintf(&b, `<%s xmlns="%s"/>`, condition, NSStreamErrors)
	if text != "" {
		fmt.Fprintf(&b, `<text xmlns="%s" xml:lang="en">%s</text>`, NSStreamErrors, Escape(text))
	}
	b.WriteString("</stream:error>")
	b.WriteString(StreamClose)
	return b.String()
}

// StanzaError renders an <error type="cancel"/> child carrying condition.
func StanzaError(condition, text string) string {
	var b strings.Builder
	b.WriteString(`<error type="cancel">`)
	fmt.Fprintf(&b, `<%s xmlns="%s"/>`, condition, NSStanzaErrors)
	if text != "" {
		fmt.Fprintf(&b, `<text xmlns="%s" xml:lang="en">%s</text>`, NSStanzaErrors, Escape(text))
	}
	b.WriteString("</error>")
	return b.String()
}

// Features renders the stream features offered to a version 1.0 peer.
func Features(offerStartTLS, requireTLS bool) string {
	var b strings.Builder
	b.WriteString("<stream:features>")
	if offerStartTLS {
		fmt.Fprintf(&b, `<starttls xmlns="%s">`, NSTLS)
		if requireTLS {
			b.WriteString("<required/>")
		}
		b.WriteString("</starttls>")
	}
	fmt.Fprintf(&b, `<dialback xmlns="%s"><errors/></dialback>`, NSDialbackFeature)
	b.WriteString("</stream:features>")
	return b.String()
}

// TLS negotiation elements.
var (
	StartTLS = fmt.Sprintf(`<starttls xmlns="%s"/>`, NSTLS)
	Proceed  = fmt.Sprintf(`<proceed xmlns="%s"/>`, NSTLS)
	Failure  = fmt.Sprintf(`<failure xmlns="%s"/>`, NSTLS)
)
