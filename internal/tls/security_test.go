package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mq/internal/keystore"
)

func TestValidateCipherSuites(t *testing.T) {
	assert.NoError(t, ValidateCipherSuites(secureCipherSuites))
	assert.NoError(t, ValidateCipherSuites(nil))

	err := ValidateCipherSuites([]uint16{tls.TLS_RSA_WITH_AES_128_CBC_SHA, tls.TLS_ECDHE_RSA_WITH_RC4_128_SHA})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS_RSA_WITH_AES_128_CBC_SHA")
	assert.Contains(t, err.Error(), "TLS_ECDHE_RSA_WITH_RC4_128_SHA")
}

func TestServerConfig(t *testing.T) {
	p := newTestPKI(t)
	cfg := serverConfig(p.serverMaterial(t, p.server), 0)

	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.RenegotiateNever, cfg.Renegotiation)
	assert.NotNil(t, cfg.ClientCAs)

	cfg = serverConfig(p.serverMaterial(t, p.server), tls.VersionTLS13)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestClientConfig(t *testing.T) {
	p := newTestPKI(t)
	m, err := keystore.NewMaterial(p.client.Key, []*x509.Certificate{p.client.Certificate}, []*x509.Certificate{p.ca.Certificate})
	require.NoError(t, err)

	cfg, err := ClientConfig(m, "localhost", 0)
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.ServerName)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)

	_, err = ClientConfig(nil, "localhost", 0)
	assert.True(t, IsConfigurationError(err))

	bare, err := keystore.NewMaterial(p.client.Key, []*x509.Certificate{p.client.Certificate}, nil)
	require.NoError(t, err)
	_, err = ClientConfig(bare, "localhost", 0)
	assert.True(t, IsConfigurationError(err))
}
