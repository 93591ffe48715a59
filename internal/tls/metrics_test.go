package tls

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetricsCollector(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	collector, err := newMetricsCollector(provider.Meter("test"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	collector.RecordConnectionAccepted(ctx)
	collector.RecordConnectionAccepted(ctx)
	collector.RecordHandshakeSuccess(ctx, tls.VersionTLS13, 10*time.Millisecond)
	collector.RecordHandshakeError(ctx, ErrorTypeClientAuth, 5*time.Millisecond)
	collector.RecordReloadFailure(ctx, "bad_format")

	p := newTestPKI(t)
	collector.RecordCredentials(ctx, p.serverMaterial(t, p.server), true)

	data := collect(t, reader)

	connections := data["mq_tls_connections_total"].(metricdata.Sum[int64])
	require.Len(t, connections.DataPoints, 1)
	assert.Equal(t, int64(2), connections.DataPoints[0].Value)

	pending := data["mq_tls_handshakes_pending"].(metricdata.Sum[int64])
	require.Len(t, pending.DataPoints, 1)
	assert.Equal(t, int64(0), pending.DataPoints[0].Value)

	errs := data["mq_tls_handshake_errors_total"].(metricdata.Sum[int64])
	require.Len(t, errs.DataPoints, 1)
	v, ok := errs.DataPoints[0].Attributes.Value("error_type")
	require.True(t, ok)
	assert.Equal(t, "client_auth", v.AsString())

	swaps := data["mq_tls_credential_swaps_total"].(metricdata.Sum[int64])
	assert.Equal(t, int64(1), swaps.DataPoints[0].Value)

	expiry := data["mq_tls_certificate_expiry_timestamp"].(metricdata.Gauge[float64])
	require.Len(t, expiry.DataPoints, 1)
	assert.Equal(t, float64(p.server.Certificate.NotAfter.Unix()), expiry.DataPoints[0].Value)

	assert.Contains(t, data, "mq_tls_handshake_duration_seconds")
	assert.Contains(t, data, "mq_tls_version_total")
	assert.Contains(t, data, "mq_tls_credential_reload_failures_total")
}

func TestGetMetricsCollector_Singleton(t *testing.T) {
	first, err := GetMetricsCollector(nil)
	require.NoError(t, err)
	second, err := GetMetricsCollector(nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
