package keystore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

func decodePKCS12KeyStore(data []byte, password string) (keyEntry, error) {
	key, leaf, cas, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return keyEntry{}, wrongPassword(err)
		}
		return keyEntry{}, badFormat(err)
	}

	// The bag order in a PKCS#12 file is arbitrary: intermediates that
	// chain to the leaf stay in the chain, self-signed roots become anchors.
	chain := []*x509.Certificate{leaf}
	var anchors []*x509.Certificate
	for _, ca := range cas {
		if isSelfSigned(ca) {
			anchors = append(anchors, ca)
			continue
		}
		chain = append(chain, ca)
	}
	return keyEntry{key: key, chain: chain, cas: anchors}, nil
}

func decodePKCS12TrustStore(data []byte, password string) ([]*x509.Certificate, error) {
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, wrongPassword(err)
		}
		return nil, badFormat(err)
	}
	return certs, nil
}

func loadJKS(data []byte, password string) (jks.KeyStore, error) {
	ks := jks.New()
	if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
		// keystore-go reports a digest mismatch when the store password is wrong.
		if strings.Contains(strings.ToLower(err.Error()), "digest") {
			return ks, wrongPassword(err)
		}
		return ks, badFormat(err)
	}
	return ks, nil
}

func decodeJKSKeyStore(data []byte, password string) (keyEntry, error) {
	ks, err := loadJKS(data, password)
	if err != nil {
		return keyEntry{}, err
	}

	var entry keyEntry
	for _, alias := range ks.Aliases() {
		switch {
		case ks.IsPrivateKeyEntry(alias) && entry.key == nil:
			pke, err := ks.GetPrivateKeyEntry(alias, []byte(password))
			if err != nil {
				return keyEntry{}, wrongPassword(fmt.Errorf("alias %s: %w", alias, err))
			}
			key, err := x509.ParsePKCS8PrivateKey(pke.PrivateKey)
			if err != nil {
				return keyEntry{}, badFormat(fmt.Errorf("alias %s: %w", alias, err))
			}
			for _, c := range pke.CertificateChain {
				cert, err := x509.ParseCertificate(c.Content)
				if err != nil {
					return keyEntry{}, badFormat(fmt.Errorf("alias %s: %w", alias, err))
				}
				entry.chain = append(entry.chain, cert)
			}
			entry.key = key
		case ks.IsTrustedCertificateEntry(alias):
			tce, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				return keyEntry{}, badFormat(err)
			}
			cert, err := x509.ParseCertificate(tce.Certificate.Content)
			if err != nil {
				return keyEntry{}, badFormat(fmt.Errorf("alias %s: %w", alias, err))
			}
			entry.cas = append(entry.cas, cert)
		}
	}

	if entry.key == nil {
		return keyEntry{}, badFormat(errNoPrivateKey)
	}
	return entry, nil
}

func decodeJKSTrustStore(data []byte, password string) ([]*x509.Certificate, error) {
	ks, err := loadJKS(data, password)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for _, alias := range ks.Aliases() {
		if !ks.IsTrustedCertificateEntry(alias) {
			continue
		}
		tce, err := ks.GetTrustedCertificateEntry(alias)
		if err != nil {
			return nil, badFormat(err)
		}
		cert, err := x509.ParseCertificate(tce.Certificate.Content)
		if err != nil {
			return nil, badFormat(fmt.Errorf("alias %s: %w", alias, err))
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// decodePEMKeyStore reads one private key and its chain from PEM blocks.
// Extra self-signed certificates are treated as bundled anchors.
func decodePEMKeyStore(data []byte) (keyEntry, error) {
	var entry keyEntry
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return keyEntry{}, badFormat(err)
			}
			if len(entry.chain) > 0 && isSelfSigned(cert) {
				entry.cas = append(entry.cas, cert)
				continue
			}
			entry.chain = append(entry.chain, cert)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return keyEntry{}, badFormat(err)
			}
			entry.key = key
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return keyEntry{}, badFormat(err)
			}
			entry.key = key
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return keyEntry{}, badFormat(err)
			}
			entry.key = key
		case "ENCRYPTED PRIVATE KEY":
			return keyEntry{}, badFormat(errors.New("encrypted PEM keys are not supported; use a PKCS12 or JKS store"))
		}
	}

	if entry.key == nil {
		return keyEntry{}, badFormat(errNoPrivateKey)
	}
	if len(entry.chain) == 0 {
		return keyEntry{}, badFormat(errNoCertificates)
	}
	return entry, nil
}

func decodePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, badFormat(err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, badFormat(errNoCertificates)
	}
	return certs, nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject) && cert.CheckSignatureFrom(cert) == nil
}
