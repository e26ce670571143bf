package domain

import "fmt"

// StreamID is the opaque identifier a receiving server assigns to a stream.
// Equality is exact string equality.
type StreamID string

func (id StreamID) String() string {
	return string(id)
}

// DomainPair is the unit of authorization: one ordered (local, remote)
// domain pair. A connection may carry several pairs.
type DomainPair struct {
	Local  string
	Remote string
}

func (p DomainPair) String() string {
	return fmt.Sprintf("%s->%s", p.Local, p.Remote)
}

// VerifyResult is the terminal outcome of a verification round trip.
type VerifyResult int

const (
	// VerifyError denotes a remote fault, protocol violation or timeout.
	VerifyError VerifyResult = iota
	// VerifyDeclined denotes that verification was deliberately not performed.
	VerifyDeclined
	// VerifyInvalid denotes an explicit negative answer.
	VerifyInvalid
	// VerifyValid denotes an explicit positive answer.
	VerifyValid
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyValid:
		return "valid"
	case VerifyInvalid:
		return "invalid"
	case VerifyDeclined:
		return "declined"
	default:
		return "error"
	}
}

// AuthMethod records how a domain pair was authenticated.
type AuthMethod string

const (
	AuthDialback    AuthMethod = "dialback"
	AuthCertificate AuthMethod = "certificate"
)

// TLSPolicy governs whether dialback may be negotiated on unencrypted streams.
type TLSPolicy string

const (
	TLSDisabled TLSPolicy = "disabled"
	TLSOptional TLSPolicy = "optional"
	TLSRequired TLSPolicy = "required"
)
