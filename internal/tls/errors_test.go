package tls

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTLSError_Error(t *testing.T) {
	tests := []struct {
		name     string
		tlsError *TLSError
		expected string
	}{
		{
			name:     "basic error",
			tlsError: &TLSError{Type: ErrorTypeHandshakeFailure, Message: "handshake failed"},
			expected: "[handshake_failure] | handshake failed",
		},
		{
			name: "context keys are sorted",
			tlsError: &TLSError{
				Type:    ErrorTypeClientAuth,
				Message: "client authentication failed",
				Context: map[string]interface{}{"remote_addr": "10.0.0.1:5000", "auth_failure_reason": "no client certificate"},
			},
			expected: "[client_auth] | client authentication failed | context: auth_failure_reason=no client certificate, remote_addr=10.0.0.1:5000",
		},
		{
			name: "context and cause",
			tlsError: &TLSError{
				Type:    ErrorTypeListenerCreate,
				Message: "failed to create TLS listener",
				Context: map[string]interface{}{"address": ":61617"},
				Cause:   fmt.Errorf("address already in use"),
			},
			expected: "[listener_create] | failed to create TLS listener | context: address=:61617 | cause: address already in use",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.tlsError.Error())
		})
	}
}

func TestTLSError_Builders(t *testing.T) {
	err := NewTLSError(ErrorTypeCredentialSwap, "test error")

	assert.Same(t, err, err.WithContext("key", "value"))
	assert.Equal(t, "value", err.Context["key"])

	err.WithSuggestion("First suggestion").WithSuggestion("Second suggestion")
	detailed := err.GetDetailedMessage()
	assert.Contains(t, detailed, "Suggestions:")
	assert.Contains(t, detailed, "1. First suggestion")
	assert.Contains(t, detailed, "2. Second suggestion")

	cause := errors.New("underlying")
	wrapped := NewTLSErrorWithCause(ErrorTypeHandshakeFailure, "test", cause)
	assert.ErrorIs(t, wrapped, cause)
}

func TestClassifyHandshakeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected TLSErrorType
	}{
		{"deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), ErrorTypeHandshakeTimeout},
		{"unknown authority", x509.UnknownAuthorityError{}, ErrorTypeClientAuth},
		{"expired", x509.CertificateInvalidError{Reason: x509.Expired}, ErrorTypeCertificateExpired},
		{"invalid", x509.CertificateInvalidError{Reason: x509.NotAuthorizedToSign}, ErrorTypeClientAuth},
		{"no certificate", errors.New("tls: client didn't provide a certificate"), ErrorTypeClientAuth},
		{"protocol", errors.New("tls: client offered only unsupported versions: protocol version not supported"), ErrorTypeProtocolMismatch},
		{"eof", io.EOF, ErrorTypeClientDisconnect},
		{"closed", net.ErrClosed, ErrorTypeClientDisconnect},
		{"other", errors.New("tls: oversized record received"), ErrorTypeHandshakeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyHandshakeError(tt.err, "127.0.0.1:5000", 5*time.Second)
			assert.Equal(t, tt.expected, got.Type)
			assert.Equal(t, "127.0.0.1:5000", got.Context["remote_addr"])
			assert.True(t, IsHandshakeError(got))
		})
	}
}

func TestErrorClassificationHelpers(t *testing.T) {
	bind := NewListenerCreateError(":61617", errors.New("address already in use"))
	assert.True(t, IsBindError(bind))
	assert.False(t, IsHandshakeError(bind))
	assert.Equal(t, SeverityCritical, GetErrorSeverity(bind))

	cfg := NewConfigMissingError("credential")
	assert.True(t, IsConfigurationError(cfg))
	assert.Equal(t, SeverityCritical, GetErrorSeverity(cfg))

	assert.Equal(t, SeverityError, GetErrorSeverity(NewCredentialSwapError("nil")))
	assert.Equal(t, SeverityWarning, GetErrorSeverity(NewClientAuthError("bad", nil)))
	assert.Equal(t, SeverityInfo, GetErrorSeverity(NewHandshakeTimeoutError(time.Second)))
	assert.Equal(t, SeverityError, GetErrorSeverity(errors.New("plain")))
	assert.False(t, IsBindError(errors.New("plain")))
}
