package xmpp

import (
	"encoding/xml"
	"strings"
)

// Element is a fully read top-level stream element.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Text     string
	Children []*Element
}

// Attr returns the value of the unqualified attribute local, or "".
func (e *Element) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// HasAttr reports whether the unqualified attribute local is present.
func (e *Element) HasAttr(local string) bool {
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == local {
			return true
		}
	}
	return false
}

// Child returns the first child with the given namespace and local name.
// An empty space matches any namespace.
func (e *Element) Child(space, local string) *Element {
	for _, c := range e.Children {
		if c.Name.Local == local && (space == "" || c.Name.Space == space) {
			return c
		}
	}
	return nil
}

// Is reports whether the element has the given namespace and local name.
func (e *Element) Is(space, local string) bool {
	return e.Name.Space == space && e.Name.Local == local
}

// IsDialback reports whether the element is <db:local/>. Peers that use the
// db prefix without declaring it leave the prefix unresolved; both forms are
// accepted.
func (e *Element) IsDialback(local string) bool {
	if e.Name.Local != local {
		return false
	}
	return e.Name.Space == NSDialback || e.Name.Space == DialbackPrefix
}

// String serializes the element. Namespaces are written as default xmlns
// declarations on the element that carries them.
func (e *Element) String() string {
	var b strings.Builder
	e.write(&b, "")
	return b.String()
}

func (e *Element) write(b *strings.Builder, parentNS string) {
	b.WriteByte('<')
	b.WriteString(e.Name.Local)
	if e.Name.Space != "" && e.Name.Space != parentNS {
		writeAttr(b, "xmlns", e.Name.Space)
	}
	for _, a := range e.Attrs {
		if a.Name.Space != "" || a.Name.Local == "xmlns" {
			continue
		}
		writeAttr(b, a.Name.Local, a.Value)
	}
	if e.Text == "" && len(e.Children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	ns := e.Name.Space
	if ns == "" {
		ns = parentNS
	}
	for _, c := range e.Children {
		c.write(b, ns)
	}
	b.WriteString(Escape(e.Text))
	b.WriteString("</")
	b.WriteString(e.Name.Local)
	b.WriteByte('>')
}

func writeAttr(b *strings.Builder, name, value string) {
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteString(`="`)
	b.WriteString(Escape(value))
	b.WriteByte('"')
}

// Escape returns s with XML special characters replaced by entities.
func Escape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return ""
	}
	return b.String()
}
