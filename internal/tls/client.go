package tls

import (
	"crypto/tls"
	"fmt"

	"github.com/polisai/polis-mq/internal/keystore"
)

// ClientConfig builds the configuration a client uses to dial the broker: it
// presents the material's certificate and verifies the broker against the
// material's trust anchors.
func ClientConfig(material *keystore.Material, serverName string, minVersion uint16) (*tls.Config, error) {
	if material == nil {
		return nil, NewConfigMissingError("client keystore")
	}
	if len(material.TrustAnchors) == 0 {
		return nil, NewConfigValidationError("truststorePath", "", "trust store holds no CA certificates").
			WithSuggestion("The broker certificate cannot be verified without trust anchors")
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{material.Certificate()},
		RootCAs:      material.TrustPool(),
		ServerName:   serverName,
	}
	applySecureDefaults(config, minVersion)
	return config, nil
}

// serverConfig builds the listener configuration for one credential set.
func serverConfig(material *keystore.Material, minVersion uint16) *tls.Config {
	config := &tls.Config{
		Certificates: []tls.Certificate{material.Certificate()},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    material.TrustPool(),
	}
	applySecureDefaults(config, minVersion)
	return config
}

// describeVersion renders a TLS version for logs and errors.
func describeVersion(version uint16) string {
	if version == 0 {
		return "default"
	}
	return fmt.Sprintf("%s (0x%04x)", tls.VersionName(version), version)
}
