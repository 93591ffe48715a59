package tls

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

// ErrListenerClosed is returned by Accept once the listener has stopped.
var ErrListenerClosed = errors.New("tls listener closed")

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Configuration errors
	ErrorTypeConfigValidation TLSErrorType = "config_validation"
	ErrorTypeConfigMissing    TLSErrorType = "config_missing"

	// Credential errors
	ErrorTypeCredentialSwap     TLSErrorType = "credential_swap"
	ErrorTypeCertificateExpired TLSErrorType = "certificate_expired"

	// TLS handshake errors
	ErrorTypeHandshakeFailure TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout TLSErrorType = "handshake_timeout"
	ErrorTypeProtocolMismatch TLSErrorType = "protocol_mismatch"
	ErrorTypeClientAuth       TLSErrorType = "client_auth"
	ErrorTypeClientDisconnect TLSErrorType = "client_disconnect"

	// Listener operation errors
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

// Configuration error constructors
func NewConfigValidationError(field string, value interface{}, reason string) *TLSError {
	return NewTLSError(ErrorTypeConfigValidation, fmt.Sprintf("invalid listener configuration field '%s'", field)).
		WithContext("field", field).
		WithContext("value", value).
		WithContext("reason", reason).
		WithSuggestion(fmt.Sprintf("Check the '%s' field in the broker configuration", field))
}

func NewConfigMissingError(field string) *TLSError {
	return NewTLSError(ErrorTypeConfigMissing, fmt.Sprintf("required listener configuration field '%s' is missing", field)).
		WithContext("field", field).
		WithSuggestion(fmt.Sprintf("Add the '%s' field to the broker configuration", field))
}

func NewCredentialSwapError(reason string) *TLSError {
	return NewTLSError(ErrorTypeCredentialSwap, fmt.Sprintf("credential swap rejected: %s", reason)).
		WithSuggestion("Keep serving with the current credentials and fix the key or trust store")
}

// TLS handshake error constructors
func NewHandshakeFailureError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeFailure, fmt.Sprintf("TLS handshake failed: %s", reason), cause).
		WithContext("failure_reason", reason)
}

func NewHandshakeTimeoutError(timeout time.Duration) *TLSError {
	return NewTLSError(ErrorTypeHandshakeTimeout, "TLS handshake timed out").
		WithContext("timeout", timeout.String()).
		WithSuggestion("Consider increasing handshakeTimeoutMs")
}

func NewProtocolMismatchError(cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeProtocolMismatch, "TLS protocol version mismatch", cause).
		WithSuggestion("Clients must support TLS 1.2 or newer")
}

func NewClientAuthError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeClientAuth, fmt.Sprintf("client authentication failed: %s", reason), cause).
		WithContext("auth_failure_reason", reason).
		WithSuggestion("Verify the client certificate is issued by a CA in the broker trust store")
}

func NewCertificateExpiredError(cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateExpired, "peer certificate has expired or is not yet valid", cause)
}

// Listener operation error constructors
func NewListenerCreateError(address string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeListenerCreate, fmt.Sprintf("failed to create TLS listener on address: %s", address), cause).
		WithContext("address", address)
}

// classifyHandshakeError maps a server-side handshake failure to a TLSError.
func classifyHandshakeError(err error, remoteAddr string, timeout time.Duration) *TLSError {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		netErr           net.Error
	)
	msg := err.Error()

	var tlsErr *TLSError
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		tlsErr = NewHandshakeTimeoutError(timeout)
	case errors.As(err, &unknownAuthority):
		tlsErr = NewClientAuthError("certificate not trusted", err)
	case errors.As(err, &invalidCert) && invalidCert.Reason == x509.Expired:
		tlsErr = NewCertificateExpiredError(err)
	case errors.As(err, &invalidCert):
		tlsErr = NewClientAuthError("certificate invalid", err)
	case strings.Contains(msg, "didn't provide a certificate"):
		tlsErr = NewClientAuthError("no client certificate", err)
	case strings.Contains(msg, "unknown authority"):
		tlsErr = NewClientAuthError("certificate not trusted", err)
	case strings.Contains(msg, "bad certificate"), strings.Contains(msg, "certificate"):
		tlsErr = NewClientAuthError("bad certificate", err)
	case strings.Contains(msg, "protocol version"):
		tlsErr = NewProtocolMismatchError(err)
	case errors.Is(err, net.ErrClosed), strings.Contains(msg, "EOF"), strings.Contains(msg, "connection reset"):
		tlsErr = NewTLSErrorWithCause(ErrorTypeClientDisconnect, "client closed connection during handshake", err)
	default:
		tlsErr = NewHandshakeFailureError("unknown handshake error", err)
	}
	return tlsErr.WithContext("remote_addr", remoteAddr)
}

// Error classification helpers
func IsHandshakeError(err error) bool {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		switch tlsErr.Type {
		case ErrorTypeHandshakeFailure, ErrorTypeHandshakeTimeout, ErrorTypeProtocolMismatch,
			ErrorTypeClientAuth, ErrorTypeClientDisconnect, ErrorTypeCertificateExpired:
			return true
		}
	}
	return false
}

// IsBindError reports whether err is a listener bind failure.
func IsBindError(err error) bool {
	var tlsErr *TLSError
	return errors.As(err, &tlsErr) && tlsErr.Type == ErrorTypeListenerCreate
}

func IsConfigurationError(err error) bool {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		switch tlsErr.Type {
		case ErrorTypeConfigValidation, ErrorTypeConfigMissing:
			return true
		}
	}
	return false
}

// Error severity levels
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

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

func GetErrorSeverity(err error) ErrorSeverity {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		switch tlsErr.Type {
		case ErrorTypeConfigValidation, ErrorTypeConfigMissing, ErrorTypeListenerCreate:
			return SeverityCritical
		case ErrorTypeCredentialSwap:
			return SeverityError
		case ErrorTypeHandshakeFailure, ErrorTypeClientAuth, ErrorTypeCertificateExpired,
			ErrorTypeProtocolMismatch:
			return SeverityWarning
		default:
			return SeverityInfo
		}
	}
	return SeverityError
}
