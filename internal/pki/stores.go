package pki

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// Store formats understood by the writers. They match the names accepted
// by the keystore loader.
const (
	FormatPKCS12 = "PKCS12"
	FormatJKS    = "JKS"
	FormatPEM    = "PEM"
)

// Extension returns the conventional file extension for a store format.
func Extension(format string) string {
	switch strings.ToUpper(format) {
	case FormatJKS:
		return "jks"
	case FormatPEM:
		return "pem"
	default:
		return "p12"
	}
}

// EncodeKeyStore serialises a private key, its chain and optional CA
// certificates in the given format.
func EncodeKeyStore(format string, leaf *Issued, chain, cas []*x509.Certificate, password string) ([]byte, error) {
	if len(chain) == 0 {
		chain = []*x509.Certificate{leaf.Certificate}
	}
	switch strings.ToUpper(format) {
	case FormatPKCS12, "P12", "PFX":
		extra := append(append([]*x509.Certificate(nil), chain[1:]...), cas...)
		return pkcs12.Modern.Encode(leaf.Key, chain[0], extra, password)
	case FormatJKS:
		return encodeJKSKeyStore(leaf, chain, cas, password)
	case FormatPEM:
		keyPEM, err := leaf.KeyPEM()
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		buf.Write(keyPEM)
		buf.Write(encodeCertificates(chain))
		buf.Write(encodeCertificates(cas))
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported store format %q", format)
	}
}

// EncodeTrustStore serialises trusted certificates in the given format.
func EncodeTrustStore(format string, certs []*x509.Certificate, password string) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("trust store needs at least one certificate")
	}
	switch strings.ToUpper(format) {
	case FormatPKCS12, "P12", "PFX":
		return pkcs12.Modern.EncodeTrustStore(certs, password)
	case FormatJKS:
		ks := jks.New()
		for i, cert := range certs {
			entry := jks.TrustedCertificateEntry{
				CreationTime: time.Now(),
				Certificate:  jks.Certificate{Type: "X509", Content: cert.Raw},
			}
			if err := ks.SetTrustedCertificateEntry(fmt.Sprintf("ca-%d", i), entry); err != nil {
				return nil, fmt.Errorf("failed to add trusted certificate: %w", err)
			}
		}
		var buf bytes.Buffer
		if err := ks.Store(&buf, []byte(password)); err != nil {
			return nil, fmt.Errorf("failed to store JKS: %w", err)
		}
		return buf.Bytes(), nil
	case FormatPEM:
		return encodeCertificates(certs), nil
	default:
		return nil, fmt.Errorf("unsupported store format %q", format)
	}
}

// WriteKeyStore encodes a key store and writes it to path with 0600
// permissions.
func WriteKeyStore(path, format string, leaf *Issued, chain, cas []*x509.Certificate, password string) error {
	data, err := EncodeKeyStore(format, leaf, chain, cas, password)
	if err != nil {
		return err
	}
	return writeFile(path, data, 0o600)
}

// WriteTrustStore encodes a trust store and writes it to path.
func WriteTrustStore(path, format string, certs []*x509.Certificate, password string) error {
	data, err := EncodeTrustStore(format, certs, password)
	if err != nil {
		return err
	}
	return writeFile(path, data, 0o644)
}

func encodeJKSKeyStore(leaf *Issued, chain, cas []*x509.Certificate, password string) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(leaf.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	entry := jks.PrivateKeyEntry{
		CreationTime: time.Now(),
		PrivateKey:   der,
	}
	for _, cert := range chain {
		entry.CertificateChain = append(entry.CertificateChain, jks.Certificate{Type: "X509", Content: cert.Raw})
	}

	ks := jks.New()
	if err := ks.SetPrivateKeyEntry("key", entry, []byte(password)); err != nil {
		return nil, fmt.Errorf("failed to add private key entry: %w", err)
	}
	for i, ca := range cas {
		trusted := jks.TrustedCertificateEntry{
			CreationTime: time.Now(),
			Certificate:  jks.Certificate{Type: "X509", Content: ca.Raw},
		}
		if err := ks.SetTrustedCertificateEntry(fmt.Sprintf("ca-%d", i), trusted); err != nil {
			return nil, fmt.Errorf("failed to add trusted certificate: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(password)); err != nil {
		return nil, fmt.Errorf("failed to store JKS: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeCertificates(certs []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		buf.Write((&Issued{Certificate: cert}).CertPEM())
	}
	return buf.Bytes()
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
