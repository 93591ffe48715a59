package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// secureCipherSuites are the TLS 1.2 suites offered by both ends, strongest
// first. TLS 1.3 suites are fixed by crypto/tls.
var secureCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// applySecureDefaults restricts config to AEAD suites with forward secrecy,
// TLS 1.2 or newer and no renegotiation.
func applySecureDefaults(config *tls.Config, minVersion uint16) {
	if minVersion < tls.VersionTLS12 {
		minVersion = tls.VersionTLS12
	}
	config.MinVersion = minVersion
	if len(config.CipherSuites) == 0 {
		config.CipherSuites = secureCipherSuites
	}
	config.Renegotiation = tls.RenegotiateNever
}

// ValidateCipherSuites rejects suites without forward secrecy or AEAD.
func ValidateCipherSuites(suites []uint16) error {
	var insecure []string
	for _, id := range suites {
		if !isSecureSuite(id) {
			insecure = append(insecure, tls.CipherSuiteName(id))
		}
	}
	if len(insecure) > 0 {
		return fmt.Errorf("insecure cipher suites: %s", strings.Join(insecure, ", "))
	}
	return nil
}

func isSecureSuite(id uint16) bool {
	for _, suite := range tls.InsecureCipherSuites() {
		if suite.ID == id {
			return false
		}
	}
	name := tls.CipherSuiteName(id)
	return strings.HasPrefix(name, "TLS_ECDHE_") && (strings.Contains(name, "_GCM_") || strings.Contains(name, "CHACHA20"))
}
