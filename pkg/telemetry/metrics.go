package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	sessionCounter          metric.Int64Counter
	sessionDurationHist     metric.Float64Histogram
	sessionRejectionCounter metric.Int64Counter
)

// SessionMetrics captures the fields needed to record one finished session.
type SessionMetrics struct {
	// Outcome is "authorized" or the authorization rejection reason.
	Outcome  string
	Duration time.Duration
	// Ended describes how a served session finished: "closed", "protocol_error",
	// "transport_error" or "shutdown".
	Ended string
}

// RecordSessionMetrics emits counters and histograms that describe a
// connection's life after its TLS handshake.
func RecordSessionMetrics(ctx context.Context, m SessionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("mq.authz.outcome", m.Outcome)}
	if m.Ended != "" {
		attrs = append(attrs, attribute.String("mq.session.ended", m.Ended))
	}

	sessionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Outcome != AuthzOutcomeAuthorized {
		sessionRejectionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mq.authz.outcome", m.Outcome)))
	}
	if m.Duration > 0 {
		sessionDurationHist.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis-mq.session")

		sessionCounter, metricsInitErr = meter.Int64Counter(
			"mq.sessions_total",
			metric.WithDescription("Sessions after the TLS handshake partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sessionRejectionCounter, metricsInitErr = meter.Int64Counter(
			"mq.sessions_rejected_total",
			metric.WithDescription("Sessions closed by the authorization policy"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sessionDurationHist, metricsInitErr = meter.Float64Histogram(
			"mq.session.duration_ms",
			metric.WithDescription("Observed session lifetime"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
