package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuthzOutcomeAuthorized marks an accepted peer.
const AuthzOutcomeAuthorized = "authorized"

// RecordAuthzDecision annotates the span with the authorization outcome of a
// connection. The reason is only recorded for rejections.
func RecordAuthzDecision(span trace.Span, identity, outcome, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("mq.authz.outcome", outcome))
	if identity != "" {
		span.SetAttributes(attribute.String("mq.peer.identity", identity))
	}

	if outcome != AuthzOutcomeAuthorized {
		attrs := []attribute.KeyValue{attribute.String("mq.authz.outcome", outcome)}
		if reason != "" {
			attrs = append(attrs, attribute.String("mq.authz.reason", reason))
		}
		span.AddEvent("mq.authz.rejected", trace.WithAttributes(attrs...))
	}
}
