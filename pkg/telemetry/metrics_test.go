package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRecordSessionMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()

	RecordSessionMetrics(ctx, SessionMetrics{
		Outcome:  AuthzOutcomeAuthorized,
		Duration: 150 * time.Millisecond,
		Ended:    "closed",
	})
	RecordSessionMetrics(ctx, SessionMetrics{Outcome: "policy_denied"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	sessions, ok := metrics["mq.sessions_total"]
	if !ok {
		t.Fatalf("missing mq.sessions_total metric")
	}
	sessionData, ok := sessions.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for sessions metric")
	}
	if len(sessionData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(sessionData.DataPoints))
	}

	rejected, ok := metrics["mq.sessions_rejected_total"]
	if !ok {
		t.Fatalf("missing mq.sessions_rejected_total metric")
	}
	rejectedData := rejected.Data.(metricdata.Sum[int64])
	if len(rejectedData.DataPoints) != 1 || rejectedData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one rejection, got %+v", rejectedData.DataPoints)
	}
	if value, ok := rejectedData.DataPoints[0].Attributes.Value(attribute.Key("mq.authz.outcome")); !ok || value.AsString() != "policy_denied" {
		t.Fatalf("expected mq.authz.outcome policy_denied, got %v", value)
	}

	hist, ok := metrics["mq.session.duration_ms"]
	if !ok {
		t.Fatalf("missing mq.session.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if len(histData.DataPoints) != 1 || histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected one histogram observation, got %+v", histData.DataPoints)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordAuthzDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, accepted := tracer.Start(context.Background(), "authorize")
	RecordAuthzDecision(accepted, "orders-client", AuthzOutcomeAuthorized, "")
	accepted.End()

	_, rejected := tracer.Start(context.Background(), "authorize")
	RecordAuthzDecision(rejected, "rogue-client", "identity_not_recognized", "identity is not in the authorization policy")
	rejected.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if events := spans[0].Events(); len(events) != 0 {
		t.Fatalf("expected no events on authorized span, got %d", len(events))
	}

	attrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := attrs.Value("mq.peer.identity"); !ok || value.AsString() != "orders-client" {
		t.Fatalf("expected mq.peer.identity orders-client, got %v", value)
	}

	events := spans[1].Events()
	if len(events) != 1 || events[0].Name != "mq.authz.rejected" {
		t.Fatalf("expected one mq.authz.rejected event, got %+v", events)
	}
	eventAttrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := eventAttrs.Value("mq.authz.reason"); !ok || value.AsString() != "identity is not in the authorization policy" {
		t.Fatalf("unexpected rejection reason %v", value)
	}

	RecordAuthzDecision(nil, "x", "policy_denied", "")

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}
