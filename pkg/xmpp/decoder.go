package xmpp

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/polisai/polis-s2s/pkg/domain"
)

// Default element limits.
const (
	DefaultMaxElementBytes = 10 << 20
	DefaultMaxDepth        = 64
)

// Limits bound what a peer may send in one top-level element. Zero values
// select the defaults.
type Limits struct {
	MaxElementBytes int64
	MaxDepth        int
}

func (l Limits) withDefaults() Limits {
	if l.MaxElementBytes <= 0 {
		l.MaxElementBytes = DefaultMaxElementBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	return l
}

// Decoder reads stream headers and top-level elements from a byte stream.
// A Decoder is bound to one XML document; after a stream restart (TLS
// upgrade) a new Decoder must be created over the new transport.
type Decoder struct {
	xd     *xml.Decoder
	in     *countingReader
	limits Limits
}

// NewDecoder returns a Decoder reading from r with the default limits.
func NewDecoder(r io.Reader) *Decoder {
	return NewLimitedDecoder(r, Limits{})
}

// NewLimitedDecoder returns a Decoder reading from r. Reads fail with
// domain.ErrLimitExceeded once an element outgrows limits.
func NewLimitedDecoder(r io.Reader, limits Limits) *Decoder {
	limits = limits.withDefaults()
	in := &countingReader{r: bufio.NewReader(r), max: limits.MaxElementBytes}
	xd := xml.NewDecoder(in)
	xd.Strict = true
	return &Decoder{xd: xd, in: in, limits: limits}
}

// countingReader fails once more than max bytes were consumed since the
// last reset. It is an io.ByteReader so encoding/xml reads it directly
// and the count matches what the parser consumed.
type countingReader struct {
	r   *bufio.Reader
	n   int64
	max int64
}

func (c *countingReader) reset() { c.n = 0 }

func (c *countingReader) exceeded() error {
	return fmt.Errorf("%w: more than %d bytes", domain.ErrLimitExceeded, c.max)
}

func (c *countingReader) ReadByte() (byte, error) {
	if c.n >= c.max {
		return 0, c.exceeded()
	}
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.n >= c.max {
		return 0, c.exceeded()
	}
	if room := c.max - c.n; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Header reads until the opening <stream:stream> element.
func (d *Decoder) Header() (*StreamHeader, error) {
	d.in.reset()
	for {
		tok, err := d.xd.Token()
		if err != nil {
			return nil, classifyReadError(err)
		}
		switch t := tok.(type) {
		case xml.ProcInst, xml.Comment, xml.Directive:
			continue
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: text before stream header", domain.ErrUnexpectedElement)
		case xml.StartElement:
			if t.Name.Space != NSStreams || t.Name.Local != "stream" {
				return nil, fmt.Errorf("%w: expected stream header, got <%s>", domain.ErrUnexpectedElement, t.Name.Local)
			}
			return headerFrom(t), nil
		case xml.EndElement:
			return nil, fmt.Errorf("%w: end element before stream header", domain.ErrUnexpectedElement)
		}
	}
}

func headerFrom(t xml.StartElement) *StreamHeader {
	h := &StreamHeader{}
	for _, a := range t.Attr {
		switch {
		case a.Name.Space == "xmlns" && a.Name.Local == DialbackPrefix:
			h.Dialback = a.Value == NSDialback
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			h.DefaultNamespace = a.Value
		case a.Name.Space == "":
			switch a.Name.Local {
			case "from":
				h.From = a.Value
			case "to":
				h.To = a.Value
			case "id":
				h.ID = a.Value
			case "version":
				h.Version = a.Value
			}
		}
	}
	return h
}

// Element reads the next top-level element. The closing </stream:stream>
// yields domain.ErrStreamClosed.
func (d *Decoder) Element() (*Element, error) {
	d.in.reset()
	for {
		tok, err := d.xd.Token()
		if err != nil {
			return nil, classifyReadError(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return d.readElement(t, 1)
		case xml.EndElement:
			return nil, domain.ErrStreamClosed
		default:
			// whitespace keepalives, comments
			d.in.reset()
			continue
		}
	}
}

func (d *Decoder) readElement(start xml.StartElement, depth int) (*Element, error) {
	if depth > d.limits.MaxDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d", domain.ErrLimitExceeded, d.limits.MaxDepth)
	}
	el := &Element{Name: start.Name, Attrs: append([]xml.Attr(nil), start.Attr...)}
	var text []byte
	for {
		tok, err := d.xd.Token()
		if err != nil {
			return nil, classifyReadError(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := d.readElement(t, depth+1)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			text = append(text, t...)
		case xml.EndElement:
			el.Text = string(text)
			return el, nil
		}
	}
}

func classifyReadError(err error) error {
	var ne net.Error
	var se *xml.SyntaxError
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	case errors.As(err, &se) && se.Msg == "unexpected EOF":
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}
	return err
}
