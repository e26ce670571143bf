package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrProtocolMismatch  = errors.New("peer does not support server dialback")
	ErrDialbackDisabled  = errors.New("server dialback disabled by configuration")
	ErrTimeout           = errors.New("timed out waiting for peer")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrStreamClosed      = errors.New("peer closed the stream")
	ErrHandshakeFailed   = errors.New("tls handshake failed")
	ErrPlaintextDetected = errors.New("plaintext detected on direct tls connection")
	ErrNoRemoteHost      = errors.New("no host available for remote domain")
	ErrNotAuthenticated  = errors.New("domain was not authenticated")
	ErrUnexpectedElement = errors.New("unexpected element")
	ErrCacheUnavailable  = errors.New("secret cache unavailable")
	ErrLimitExceeded     = errors.New("element exceeds stream limits")
	ErrSessionExists     = errors.New("pair already validated on another stream")
)

// ErrorKind tells whether a condition is reported as a stream error (fatal
// for the connection) or as a dialback stanza error (the connection may
// remain open for other domains).
type ErrorKind string

const (
	StreamErrorKind ErrorKind = "stream"
	StanzaErrorKind ErrorKind = "stanza"
)

// DialbackError wraps errors with the XMPP condition that must be reported
// to the peer.
type DialbackError struct {
	Kind      ErrorKind
	Condition string
	Text      string
	Err       error
}

func (e *DialbackError) Error() string {
	msg := fmt.Sprintf("%s error <%s/>", e.Kind, e.Condition)
	if e.Text != "" {
		msg += ": " + e.Text
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DialbackError) Unwrap() error {
	return e.Err
}

// NewStreamError builds a DialbackError reported as a stream error.
func NewStreamError(condition, text string) *DialbackError {
	return &DialbackError{Kind: StreamErrorKind, Condition: condition, Text: text}
}

// NewStanzaError builds a DialbackError reported inside a db:result of type error.
func NewStanzaError(condition, text string, cause error) *DialbackError {
	return &DialbackError{Kind: StanzaErrorKind, Condition: condition, Text: text, Err: cause}
}
