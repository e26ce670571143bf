package xmpp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-s2s/pkg/domain"
)

const peerHeader = `<?xml version='1.0'?><stream:stream xmlns:stream='http://etherx.jabber.org/streams' ` +
	`xmlns='jabber:server' xmlns:db='jabber:server:dialback' from='a.example' to='b.example' id='abc' version='1.0'>`

func TestDecoder_Header(t *testing.T) {
	d := NewDecoder(strings.NewReader(peerHeader))

	h, err := d.Header()
	require.NoError(t, err)
	assert.Equal(t, "a.example", h.From)
	assert.Equal(t, "b.example", h.To)
	assert.Equal(t, "abc", h.ID)
	assert.Equal(t, "1.0", h.Version)
	assert.Equal(t, NSServer, h.DefaultNamespace)
	assert.True(t, h.Dialback)
}

func TestDecoder_HeaderWithoutDialback(t *testing.T) {
	in := `<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server' to='b.example'>`
	h, err := NewDecoder(strings.NewReader(in)).Header()
	require.NoError(t, err)
	assert.False(t, h.Dialback)
	assert.Equal(t, "b.example", h.To)
}

func TestDecoder_HeaderRejectsOtherRoot(t *testing.T) {
	_, err := NewDecoder(strings.NewReader(`<message to='x'/>`)).Header()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnexpectedElement)
}

func TestDecoder_Elements(t *testing.T) {
	in := peerHeader +
		` <db:result from='a.example' to='b.example'>key123</db:result>` +
		`<db:result type='error' from='b.example' to='a.example'><error type='cancel'>` +
		`<item-not-found xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></db:result>` +
		`</stream:stream>`
	d := NewDecoder(strings.NewReader(in))
	_, err := d.Header()
	require.NoError(t, err)

	el, err := d.Element()
	require.NoError(t, err)
	assert.True(t, el.IsDialback("result"))
	assert.Equal(t, NSDialback, el.Name.Space)
	assert.Equal(t, "a.example", el.Attr("from"))
	assert.False(t, el.HasAttr("type"))
	assert.Equal(t, "key123", el.Text)

	el, err = d.Element()
	require.NoError(t, err)
	assert.Equal(t, "error", el.Attr("type"))
	errEl := el.Child("", "error")
	require.NotNil(t, errEl)
	assert.NotNil(t, errEl.Child(NSStanzaErrors, StanzaItemNotFound))

	_, err = d.Element()
	assert.ErrorIs(t, err, domain.ErrStreamClosed)
}

func TestDecoder_UndeclaredDialbackPrefix(t *testing.T) {
	in := `<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:server'>` +
		`<db:verify id='x' from='a' to='b'>k</db:verify>`
	d := NewDecoder(strings.NewReader(in))
	_, err := d.Header()
	require.NoError(t, err)

	el, err := d.Element()
	require.NoError(t, err)
	assert.True(t, el.IsDialback("verify"))
	assert.Equal(t, "x", el.Attr("id"))
}

func TestDecoder_EOFIsConnectionClosed(t *testing.T) {
	d := NewDecoder(strings.NewReader(peerHeader))
	_, err := d.Header()
	require.NoError(t, err)

	_, err = d.Element()
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestDecoder_ElementTooLarge(t *testing.T) {
	in := peerHeader + `<db:verify id='x' from='a.example' to='b.example'>` +
		strings.Repeat("k", 4096) + `</db:verify>`
	d := NewLimitedDecoder(strings.NewReader(in), Limits{MaxElementBytes: 1024})
	_, err := d.Header()
	require.NoError(t, err)

	_, err = d.Element()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)
}

func TestDecoder_LimitAppliesPerElement(t *testing.T) {
	el := `<db:result from='a.example' to='b.example'>` + strings.Repeat("k", 300) + `</db:result>`
	in := peerHeader + el + "  " + el + el
	d := NewLimitedDecoder(strings.NewReader(in), Limits{MaxElementBytes: 512})
	_, err := d.Header()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := d.Element()
		require.NoError(t, err)
		assert.Len(t, got.Text, 300)
	}
}

func TestDecoder_NestingTooDeep(t *testing.T) {
	in := peerHeader + strings.Repeat("<a>", 10) + strings.Repeat("</a>", 10)
	d := NewLimitedDecoder(strings.NewReader(in), Limits{MaxDepth: 5})
	_, err := d.Header()
	require.NoError(t, err)

	_, err = d.Element()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	d = NewLimitedDecoder(strings.NewReader(in), Limits{MaxDepth: 10})
	_, err = d.Header()
	require.NoError(t, err)
	_, err = d.Element()
	assert.NoError(t, err)
}

func TestStreamHeader_OpenParses(t *testing.T) {
	out := StreamHeader{From: "b.example", To: "a.example", ID: "s-1", Version: "1.0", Dialback: true}.Open()

	h, err := NewDecoder(strings.NewReader(out)).Header()
	require.NoError(t, err)
	assert.Equal(t, "s-1", h.ID)
	assert.Equal(t, "b.example", h.From)
	assert.True(t, h.Dialback)
}

func TestStreamHeader_OpenOmitsEmptyVersion(t *testing.T) {
	out := StreamHeader{From: "a", To: "b", Dialback: true}.Open()
	assert.NotContains(t, out, "version=")
	assert.NotContains(t, out, " id=")
}

func TestErrorRendering(t *testing.T) {
	se := StreamError(StreamInvalidNamespace, "")
	assert.Contains(t, se, `<invalid-namespace xmlns="urn:ietf:params:xml:ns:xmpp-streams"/>`)
	assert.True(t, strings.HasSuffix(se, StreamClose))

	st := StanzaError(StanzaRemoteServerTimeout, "a<b")
	assert.Contains(t, st, `<error type="cancel">`)
	assert.Contains(t, st, "a&lt;b")

	f := Features(true, true)
	assert.Contains(t, f, "<required/>")
	assert.Contains(t, f, NSDialbackFeature)
	assert.NotContains(t, Features(false, false), "starttls")
}

func TestElement_String(t *testing.T) {
	el := &Element{
		Name: xmlName(NSDialback, "result"),
		Children: []*Element{
			{Name: xmlName(NSStanzaErrors, "item-not-found")},
		},
	}
	el.Attrs = append(el.Attrs, attr("from", `a"b`))
	out := el.String()
	assert.Contains(t, out, `from="a&#34;b"`)
	assert.Contains(t, out, `<item-not-found xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>`)
}
