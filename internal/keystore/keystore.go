// Package keystore loads key and trust material from PKCS#12, JKS and PEM
// credential stores into immutable values usable for TLS server setup.
package keystore

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	errEmptyPath        = errors.New("store path is empty")
	errEmptyStore       = errors.New("store is empty")
	errPasswordRequired = errors.New("password is required for key stores")
	errNoPrivateKey     = errors.New("store contains no private key entry")
	errNoCertificates   = errors.New("store contains no certificates")
	errKeyMismatch      = errors.New("private key does not match leaf certificate")
)

// StoreType names a supported credential store format.
type StoreType string

const (
	TypePKCS12 StoreType = "PKCS12"
	TypeJKS    StoreType = "JKS"
	TypePEM    StoreType = "PEM"
)

// ParseStoreType normalises a configured store type.
func ParseStoreType(value string) (StoreType, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "PKCS12", "P12", "PFX":
		return TypePKCS12, nil
	case "JKS":
		return TypeJKS, nil
	case "PEM":
		return TypePEM, nil
	default:
		return "", fmt.Errorf("unsupported store type %q", value)
	}
}

// StoreSpec identifies one credential store.
type StoreSpec struct {
	Path     string
	Type     string
	Password string
}

// Material is the key and trust material a TLS listener serves with. It is
// never mutated after construction; rotation builds a new value.
type Material struct {
	PrivateKey       crypto.PrivateKey
	CertificateChain []*x509.Certificate
	TrustAnchors     []*x509.Certificate

	certificate tls.Certificate
	pool        *x509.CertPool
	loadedAt    time.Time
}

// NewMaterial validates and assembles credential material. The chain must
// start with the leaf matching key.
func NewMaterial(key crypto.PrivateKey, chain, anchors []*x509.Certificate) (*Material, error) {
	if key == nil {
		return nil, errNoPrivateKey
	}
	if len(chain) == 0 {
		return nil, errNoCertificates
	}
	if err := matchKey(key, chain[0]); err != nil {
		return nil, err
	}

	der := make([][]byte, 0, len(chain))
	for _, cert := range chain {
		der = append(der, cert.Raw)
	}

	pool := x509.NewCertPool()
	for _, anchor := range anchors {
		pool.AddCert(anchor)
	}

	return &Material{
		PrivateKey:       key,
		CertificateChain: append([]*x509.Certificate(nil), chain...),
		TrustAnchors:     append([]*x509.Certificate(nil), anchors...),
		certificate: tls.Certificate{
			Certificate: der,
			PrivateKey:  key,
			Leaf:        chain[0],
		},
		pool:     pool,
		loadedAt: time.Now(),
	}, nil
}

// Certificate returns the TLS certificate built from the key and chain.
func (m *Material) Certificate() tls.Certificate {
	return m.certificate
}

// TrustPool returns the pool of trust anchors used to verify peers.
func (m *Material) TrustPool() *x509.CertPool {
	return m.pool
}

// Leaf returns the end-entity certificate.
func (m *Material) Leaf() *x509.Certificate {
	return m.CertificateChain[0]
}

// LoadedAt reports when the material was assembled.
func (m *Material) LoadedAt() time.Time {
	return m.loadedAt
}

// Fingerprint is the hex SHA-256 of the leaf certificate.
func (m *Material) Fingerprint() string {
	sum := sha256.Sum256(m.Leaf().Raw)
	return hex.EncodeToString(sum[:])
}

// Load reads a key store: a private key, its certificate chain and any CA
// certificates bundled alongside (returned as trust anchors).
func Load(ctx context.Context, loader ResourceLoader, spec StoreSpec) (*Material, error) {
	storeType, err := ParseStoreType(spec.Type)
	if err != nil {
		return nil, newLoadError(ReasonUnsupportedType, spec.Path, StoreType(spec.Type), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Password == "" && storeType != TypePEM {
		return nil, newLoadError(ReasonWrongPassword, spec.Path, storeType, errPasswordRequired)
	}

	data, err := readResource(loader, spec, storeType)
	if err != nil {
		return nil, err
	}

	var entry keyEntry
	switch storeType {
	case TypePKCS12:
		entry, err = decodePKCS12KeyStore(data, spec.Password)
	case TypeJKS:
		entry, err = decodeJKSKeyStore(data, spec.Password)
	case TypePEM:
		entry, err = decodePEMKeyStore(data)
	}
	if err != nil {
		return nil, classify(err, spec.Path, storeType)
	}

	material, err := NewMaterial(entry.key, entry.chain, entry.cas)
	if err != nil {
		return nil, newLoadError(ReasonBadFormat, spec.Path, storeType, err)
	}
	return material, nil
}

// LoadTrustStore reads trusted CA certificates. The password may be empty.
func LoadTrustStore(ctx context.Context, loader ResourceLoader, spec StoreSpec) ([]*x509.Certificate, error) {
	storeType, err := ParseStoreType(spec.Type)
	if err != nil {
		return nil, newLoadError(ReasonUnsupportedType, spec.Path, StoreType(spec.Type), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := readResource(loader, spec, storeType)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	switch storeType {
	case TypePKCS12:
		certs, err = decodePKCS12TrustStore(data, spec.Password)
	case TypeJKS:
		certs, err = decodeJKSTrustStore(data, spec.Password)
	case TypePEM:
		certs, err = decodePEMCertificates(data)
	}
	if err != nil {
		return nil, classify(err, spec.Path, storeType)
	}
	if len(certs) == 0 {
		return nil, newLoadError(ReasonBadFormat, spec.Path, storeType, errNoCertificates)
	}
	return certs, nil
}

// LoadCredentials assembles listener material from a key store and a trust
// store. Trust anchors come from the trust store only.
func LoadCredentials(ctx context.Context, loader ResourceLoader, keySpec, trustSpec StoreSpec) (*Material, error) {
	keys, err := Load(ctx, loader, keySpec)
	if err != nil {
		return nil, err
	}
	anchors, err := LoadTrustStore(ctx, loader, trustSpec)
	if err != nil {
		return nil, err
	}
	material, err := NewMaterial(keys.PrivateKey, keys.CertificateChain, anchors)
	if err != nil {
		return nil, newLoadError(ReasonBadFormat, keySpec.Path, StoreType(keySpec.Type), err)
	}
	return material, nil
}

type keyEntry struct {
	key   crypto.PrivateKey
	chain []*x509.Certificate
	cas   []*x509.Certificate
}

// decodeError marks decoder failures with a reason for classify.
type decodeError struct {
	reason Reason
	err    error
}

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func badFormat(err error) error     { return &decodeError{reason: ReasonBadFormat, err: err} }
func wrongPassword(err error) error { return &decodeError{reason: ReasonWrongPassword, err: err} }

func classify(err error, path string, storeType StoreType) error {
	var de *decodeError
	if errors.As(err, &de) {
		return newLoadError(de.reason, path, storeType, de.err)
	}
	return newLoadError(ReasonBadFormat, path, storeType, err)
}

func matchKey(key crypto.PrivateKey, leaf *x509.Certificate) error {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", key)
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(leaf.PublicKey) {
		return errKeyMismatch
	}
	return nil
}
