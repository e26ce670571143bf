package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/polisai/polis-s2s/pkg/domain"
)

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Configuration errors
	ErrorTypeConfigValidation TLSErrorType = "config_validation"
	ErrorTypeConfigMissing    TLSErrorType = "config_missing"

	// Certificate errors
	ErrorTypeCertificateLoad       TLSErrorType = "certificate_load"
	ErrorTypeCertificateValidation TLSErrorType = "certificate_validation"

	// TLS handshake errors
	ErrorTypeHandshakeFailure  TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout  TLSErrorType = "handshake_timeout"
	ErrorTypePlaintextDetected TLSErrorType = "plaintext_detected"

	// Server operation errors
	ErrorTypeListenerCreate TLSErrorType = "listener_create"
)

// TLSError represents a structured TLS error with context
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Type)), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// Is maps handshake categories onto the domain sentinels so callers can
// branch with errors.Is without importing this package.
func (e *TLSError) Is(target error) bool {
	switch e.Type {
	case ErrorTypeHandshakeFailure:
		return target == domain.ErrHandshakeFailed
	case ErrorTypePlaintextDetected:
		return target == domain.ErrPlaintextDetected
	case ErrorTypeHandshakeTimeout:
		return target == domain.ErrTimeout
	}
	return false
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns a detailed error message with suggestions
func (e *TLSError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewConfigMissingError(field string) *TLSError {
	return NewTLSError(ErrorTypeConfigMissing, fmt.Sprintf("required configuration field '%s' is missing", field)).
		WithContext("field", field).
		WithSuggestion(fmt.Sprintf("Add the '%s' field to the server TLS configuration", field))
}

func NewCertificateLoadError(certFile, keyFile string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateLoad, "failed to load certificate", cause).
		WithContext("cert_file", certFile).
		WithContext("key_file", keyFile).
		WithSuggestion("Verify that the certificate and key files exist and are readable").
		WithSuggestion("Ensure the certificate and private key match")
}

func NewCertificateValidationError(domainName string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateValidation, "peer certificate does not authenticate domain", cause).
		WithContext("domain", domainName)
}

func NewHandshakeFailureError(remoteAddr string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeFailure, "TLS handshake failed", cause).
		WithContext("remote_addr", remoteAddr).
		WithSuggestion("Check TLS version and cipher suite compatibility with the peer")
}

func NewHandshakeTimeoutError(remoteAddr string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeTimeout, "TLS handshake timed out", cause).
		WithContext("remote_addr", remoteAddr)
}

func NewPlaintextDetectedError(remoteAddr string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypePlaintextDetected, "peer answered a Direct TLS handshake in plaintext", cause).
		WithContext("remote_addr", remoteAddr).
		WithSuggestion("The peer's SRV record may advertise a plaintext port as Direct TLS").
		WithSuggestion("Enable dialback.allow_plaintext_fallback to retry without Direct TLS")
}

func NewListenerCreateError(address string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeListenerCreate, fmt.Sprintf("failed to create listener on address: %s", address), cause).
		WithContext("address", address).
		WithSuggestion("Check that the address is not already in use")
}

// ClassifyHandshakeError converts a crypto/tls handshake error into a
// TLSError. A record that does not look like TLS on a Direct TLS attempt
// means the peer is speaking plaintext on that port.
func ClassifyHandshakeError(err error, remoteAddr string, direct bool) *TLSError {
	if err == nil {
		return nil
	}
	var existing *TLSError
	if errors.As(err, &existing) {
		return existing
	}

	var recordErr tls.RecordHeaderError
	var netErr net.Error
	switch {
	case direct && errors.As(err, &recordErr):
		return NewPlaintextDetectedError(remoteAddr, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return NewHandshakeTimeoutError(remoteAddr, err)
	default:
		return NewHandshakeFailureError(remoteAddr, err)
	}
}

// ErrorSeverity levels
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// Level maps the severity onto a log level.
func (s ErrorSeverity) Level() slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// GetErrorSeverity grades err. A handshake timeout is routine on the open
// federation and only informational.
func GetErrorSeverity(err error) ErrorSeverity {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		switch tlsErr.Type {
		case ErrorTypeConfigValidation, ErrorTypeConfigMissing, ErrorTypeListenerCreate:
			return SeverityCritical
		case ErrorTypeCertificateLoad:
			return SeverityError
		case ErrorTypeHandshakeFailure, ErrorTypePlaintextDetected, ErrorTypeCertificateValidation:
			return SeverityWarning
		default:
			return SeverityInfo
		}
	}
	return SeverityError
}
