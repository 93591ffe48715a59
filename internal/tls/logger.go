package tls

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/polisai/polis-mq/internal/keystore"
)

// EventLogger provides structured logging for listener events
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates a new listener event logger
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventLogger{
		logger: logger.With("component", "tls"),
	}
}

// LogListenerStarted logs a successful bind
func (l *EventLogger) LogListenerStarted(ctx context.Context, address string, material *keystore.Material, handshakeTimeout time.Duration) {
	attrs := []slog.Attr{
		slog.String("event", "listener_started"),
		slog.String("address", address),
		slog.Duration("handshake_timeout", handshakeTimeout),
		slog.Bool("client_auth_required", true),
	}
	if material != nil {
		attrs = append(attrs,
			slog.String("subject", material.Leaf().Subject.String()),
			slog.String("fingerprint", material.Fingerprint()),
			slog.Int("trust_anchors", len(material.TrustAnchors)),
		)
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS listener started", attrs...)
}

// LogListenerStopped logs listener shutdown
func (l *EventLogger) LogListenerStopped(ctx context.Context, address string) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS listener stopped",
		slog.String("event", "listener_stopped"),
		slog.String("address", address),
	)
}

// LogHandshakeSuccess logs a completed mutual TLS handshake
func (l *EventLogger) LogHandshakeSuccess(ctx context.Context, remoteAddr, sessionID string, state tls.ConnectionState, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("event", "handshake_success"),
		slog.String("remote_addr", remoteAddr),
		slog.String("session_id", sessionID),
		slog.String("tls_version", tls.VersionName(state.Version)),
		slog.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
		slog.Duration("handshake_duration", duration),
	}
	if len(state.PeerCertificates) > 0 {
		attrs = append(attrs,
			slog.String("peer_subject", state.PeerCertificates[0].Subject.String()),
			slog.Int("peer_cert_count", len(state.PeerCertificates)),
		)
	}

	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS handshake completed", attrs...)
}

// LogConnectionRejected logs a connection dropped during the handshake.
func (l *EventLogger) LogConnectionRejected(ctx context.Context, remoteAddr string, err *TLSError, duration time.Duration) {
	severity := GetErrorSeverity(err)
	level := severity.Level()
	if err.Type == ErrorTypeClientDisconnect {
		level = slog.LevelDebug
	}

	attrs := []slog.Attr{
		slog.String("event", "connection_rejected"),
		slog.String("remote_addr", remoteAddr),
		slog.String("error_type", string(err.Type)),
		slog.String("severity", severity.String()),
		slog.String("error", err.Error()),
		slog.Duration("handshake_duration", duration),
	}
	if len(err.Suggestions) > 0 {
		attrs = append(attrs, slog.Any("suggestions", err.Suggestions))
	}
	l.logger.LogAttrs(ctx, level, "TLS connection rejected", attrs...)
}

// LogCredentialsSwapped logs replacement of the listener credentials
func (l *EventLogger) LogCredentialsSwapped(ctx context.Context, previous, current *keystore.Material) {
	attrs := []slog.Attr{
		slog.String("event", "credentials_swapped"),
		slog.String("fingerprint", current.Fingerprint()),
		slog.Time("not_after", current.Leaf().NotAfter),
		slog.Int("trust_anchors", len(current.TrustAnchors)),
	}
	if previous != nil {
		attrs = append(attrs, slog.String("previous_fingerprint", previous.Fingerprint()))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS credentials swapped", attrs...)
}

// LogCredentialReloadFailed logs a reload attempt that kept the old material
func (l *EventLogger) LogCredentialReloadFailed(ctx context.Context, path string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelError, "TLS credential reload failed",
		slog.String("event", "credential_reload_failed"),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}
