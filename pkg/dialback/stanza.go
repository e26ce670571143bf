package dialback

import (
	"fmt"
	"strings"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/xmpp"
)

// Values of the type attribute on dialback replies.
const (
	TypeValid   = "valid"
	TypeInvalid = "invalid"
	TypeError   = "error"
)

// Stanza is a classified dialback element: either *Result or *Verify.
type Stanza interface {
	fmt.Stringer
	dialbackStanza()
}

// Result is a <db:result/> element. Without a type it is a key assertion
// from an Originating Server; with one it is the Receiving Server's answer.
type Result struct {
	From string
	To   string
	Type string
	Key  string
	// Condition and Text describe the stanza error of a type="error" reply.
	Condition string
	Text      string
}

// Verify is a <db:verify/> element exchanged with an Authoritative Server.
type Verify struct {
	From      string
	To        string
	ID        string
	Type      string
	Key       string
	Condition string
	Text      string
}

func (*Result) dialbackStanza() {}
func (*Verify) dialbackStanza() {}

// IsRequest reports whether r is a key assertion rather than a reply.
func (r *Result) IsRequest() bool { return r.Type == "" }

// IsRequest reports whether v asks for verification rather than answers.
func (v *Verify) IsRequest() bool { return v.Type == "" }

// Pair returns the pair this assertion authenticates from the point of
// view of the server receiving it.
func (r *Result) Pair() domain.DomainPair {
	return domain.DomainPair{Local: r.To, Remote: r.From}
}

func (r *Result) String() string {
	return render("result", r.From, r.To, "", r.Type, r.Key, r.Condition, r.Text)
}

func (v *Verify) String() string {
	return render("verify", v.From, v.To, v.ID, v.Type, v.Key, v.Condition, v.Text)
}

func render(local, from, to, id, typ, key, condition, text string) string {
	var b strings.Builder
	b.WriteString("<db:")
	b.WriteString(local)
	attr(&b, "from", from)
	attr(&b, "to", to)
	attr(&b, "id", id)
	attr(&b, "type", typ)
	switch {
	case condition != "":
		b.WriteByte('>')
		b.WriteString(xmpp.StanzaError(condition, text))
	case key != "":
		b.WriteByte('>')
		b.WriteString(xmpp.Escape(key))
	default:
		b.WriteString("/>")
		return b.String()
	}
	b.WriteString("</db:")
	b.WriteString(local)
	b.WriteByte('>')
	return b.String()
}

func attr(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, ` %s="%s"`, name, xmpp.Escape(value))
}

// Classify turns a stream element into a dialback stanza. Elements outside
// the dialback namespace yield domain.ErrUnexpectedElement.
func Classify(el *xmpp.Element) (Stanza, error) {
	switch {
	case el.IsDialback("result"):
		r := &Result{
			From: el.Attr("from"),
			To:   el.Attr("to"),
			Type: el.Attr("type"),
			Key:  strings.TrimSpace(el.Text),
		}
		r.Condition, r.Text = stanzaError(el)
		return r, nil
	case el.IsDialback("verify"):
		v := &Verify{
			From: el.Attr("from"),
			To:   el.Attr("to"),
			ID:   el.Attr("id"),
			Type: el.Attr("type"),
			Key:  strings.TrimSpace(el.Text),
		}
		v.Condition, v.Text = stanzaError(el)
		return v, nil
	default:
		return nil, fmt.Errorf("%w: {%s}%s", domain.ErrUnexpectedElement, el.Name.Space, el.Name.Local)
	}
}

func stanzaError(el *xmpp.Element) (condition, text string) {
	errEl := el.Child("", "error")
	if errEl == nil {
		return "", ""
	}
	for _, c := range errEl.Children {
		if c.Name.Local == "text" {
			text = c.Text
			continue
		}
		if condition == "" {
			condition = c.Name.Local
		}
	}
	return condition, text
}
