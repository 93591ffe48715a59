package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-mq/internal/keystore"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	metricsInst    *MetricsCollector
)

// MetricsCollector records listener metrics through the global otel meter
// provider.
type MetricsCollector struct {
	connectionsTotal  metric.Int64Counter
	handshakesPending metric.Int64UpDownCounter
	handshakeErrors   metric.Int64Counter
	handshakeDuration metric.Float64Histogram
	tlsVersions       metric.Int64Counter
	credentialSwaps   metric.Int64Counter
	reloadFailures    metric.Int64Counter
	credentialExpiry  metric.Float64Gauge

	logger *slog.Logger
}

// GetMetricsCollector returns the singleton listener metrics collector
func GetMetricsCollector(logger *slog.Logger) (*MetricsCollector, error) {
	metricsOnce.Do(func() {
		metricsInst, metricsInitErr = newMetricsCollector(otel.GetMeterProvider().Meter("polis-mq.tls"), logger)
	})
	return metricsInst, metricsInitErr
}

func newMetricsCollector(meter metric.Meter, logger *slog.Logger) (*MetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	collector := &MetricsCollector{logger: logger}

	var err error

	collector.connectionsTotal, err = meter.Int64Counter(
		"mq_tls_connections_total",
		metric.WithDescription("Total number of TCP connections accepted by the TLS listener"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakesPending, err = meter.Int64UpDownCounter(
		"mq_tls_handshakes_pending",
		metric.WithDescription("Number of TLS handshakes in progress"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeErrors, err = meter.Int64Counter(
		"mq_tls_handshake_errors_total",
		metric.WithDescription("Total number of rejected TLS handshakes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"mq_tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.tlsVersions, err = meter.Int64Counter(
		"mq_tls_version_total",
		metric.WithDescription("Completed handshakes by TLS version"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.credentialSwaps, err = meter.Int64Counter(
		"mq_tls_credential_swaps_total",
		metric.WithDescription("Total number of listener credential swaps"),
		metric.WithUnit("{swap}"),
	)
	if err != nil {
		return nil, err
	}

	collector.reloadFailures, err = meter.Int64Counter(
		"mq_tls_credential_reload_failures_total",
		metric.WithDescription("Total number of credential reloads that kept the previous material"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	collector.credentialExpiry, err = meter.Float64Gauge(
		"mq_tls_certificate_expiry_timestamp",
		metric.WithDescription("Serving certificate expiry timestamp in Unix seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordConnectionAccepted records a raw TCP accept entering the handshake
func (c *MetricsCollector) RecordConnectionAccepted(ctx context.Context) {
	c.connectionsTotal.Add(ctx, 1)
	c.handshakesPending.Add(ctx, 1)
}

// RecordHandshakeSuccess records a completed handshake
func (c *MetricsCollector) RecordHandshakeSuccess(ctx context.Context, version uint16, duration time.Duration) {
	c.handshakesPending.Add(ctx, -1)
	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.Bool("success", true),
	))
	c.tlsVersions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tls_version", tls.VersionName(version)),
	))
}

// RecordHandshakeError records a rejected connection
func (c *MetricsCollector) RecordHandshakeError(ctx context.Context, errorType TLSErrorType, duration time.Duration) {
	c.handshakesPending.Add(ctx, -1)
	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", string(errorType)),
	))
	c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.Bool("success", false),
	))
}

// RecordCredentials records a credential install or swap
func (c *MetricsCollector) RecordCredentials(ctx context.Context, material *keystore.Material, swapped bool) {
	c.RecordExpiry(ctx, material.Leaf())
	if swapped {
		c.credentialSwaps.Add(ctx, 1)
	}

	if days := int(time.Until(material.Leaf().NotAfter).Hours() / 24); days < 30 {
		c.logger.Warn("Serving certificate expires soon",
			"subject", material.Leaf().Subject.String(),
			"days_until_expiry", days)
	}
}

// RecordExpiry records the serving certificate's expiry timestamp
func (c *MetricsCollector) RecordExpiry(ctx context.Context, leaf *x509.Certificate) {
	c.credentialExpiry.Record(ctx, float64(leaf.NotAfter.Unix()), metric.WithAttributes(
		attribute.String("subject", leaf.Subject.String()),
	))
}

// RecordReloadFailure records a reload that left the current credentials in place
func (c *MetricsCollector) RecordReloadFailure(ctx context.Context, reason string) {
	c.reloadFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
