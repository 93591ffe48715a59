package tls

import (
	"bytes"
	"context"
	"crypto/x509"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mq/internal/keystore"
	"github.com/polisai/polis-mq/internal/pki"
)

func materialValidFor(t *testing.T, validFor time.Duration) *keystore.Material {
	t.Helper()
	ca, err := pki.Generate(pki.CertificateOptions{CommonName: "Test CA", Usage: pki.UsageCA})
	require.NoError(t, err)
	leaf, err := pki.Generate(pki.CertificateOptions{CommonName: "mq-broker", Usage: pki.UsageServer, Parent: ca, ValidFor: validFor})
	require.NoError(t, err)
	m, err := keystore.NewMaterial(leaf.Key, []*x509.Certificate{leaf.Certificate}, []*x509.Certificate{ca.Certificate})
	require.NoError(t, err)
	return m
}

func TestExpiryMonitor_Check(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	m := materialValidFor(t, 3*24*time.Hour)
	metrics, err := GetMetricsCollector(logger)
	require.NoError(t, err)

	monitor := NewExpiryMonitor(func() *keystore.Material { return m }, metrics, logger)
	now := time.Now()
	monitor.now = func() time.Time { return now }

	status := monitor.Check(context.Background())
	require.NotNil(t, status)
	assert.Equal(t, ExpiryWarning, status.Status)
	assert.Equal(t, 2, status.DaysUntilExpiry)
	assert.Equal(t, m.Fingerprint(), status.Fingerprint)

	monitor.Check(context.Background())
	assert.Equal(t, 1, strings.Count(buf.String(), `"event":"certificate_expiry"`), "warnings are rate limited")

	now = now.Add(25 * time.Hour)
	status = monitor.Check(context.Background())
	assert.Equal(t, ExpiryCritical, status.Status)
	assert.Equal(t, 2, strings.Count(buf.String(), `"event":"certificate_expiry"`))

	now = now.Add(72 * time.Hour)
	status = monitor.Check(context.Background())
	assert.Equal(t, ExpiryExpired, status.Status)
}

func TestExpiryMonitor_Healthy(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	m := materialValidFor(t, 365*24*time.Hour)

	monitor := NewExpiryMonitor(func() *keystore.Material { return m }, nil, logger)
	status := monitor.Check(context.Background())
	assert.Equal(t, ExpiryOK, status.Status)
	assert.NotContains(t, buf.String(), "certificate_expiry")

	assert.Nil(t, NewExpiryMonitor(func() *keystore.Material { return nil }, nil, logger).Check(context.Background()))
}

func TestExpiryMonitor_StartStop(t *testing.T) {
	m := materialValidFor(t, 365*24*time.Hour)
	checks := make(chan struct{}, 16)
	monitor := NewExpiryMonitor(func() *keystore.Material {
		select {
		case checks <- struct{}{}:
		default:
		}
		return m
	}, nil, nil)
	monitor.SetCheckInterval(10 * time.Millisecond)

	monitor.Start(context.Background())
	monitor.Start(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case <-checks:
		case <-time.After(2 * time.Second):
			t.Fatal("monitor did not check")
		}
	}
	monitor.Stop()
	monitor.Stop()
}
