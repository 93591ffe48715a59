// Package pki generates certificate authorities, broker and client
// certificates, and writes them into PKCS#12, JKS or PEM credential stores.
// It backs the mq-cert development tool and the test suites.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"
)

// Usage selects the extended key usage of an issued certificate.
type Usage int

const (
	UsageServer Usage = iota
	UsageClient
	UsageCA
)

// CertificateOptions contains options for generating certificates
type CertificateOptions struct {
	CommonName         string
	Organization       []string
	OrganizationalUnit []string
	Country            []string
	DNSNames           []string
	IPAddresses        []net.IP
	EmailAddresses     []string
	URIs               []string
	ValidFor           time.Duration
	NotBefore          time.Time
	Usage              Usage
	// KeyType is "ecdsa" (default) or "rsa".
	KeyType string
	KeySize int
	Parent  *Issued
}

// Issued is a generated certificate and its private key.
type Issued struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// CertPEM encodes the certificate as PEM.
func (i *Issued) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Certificate.Raw})
}

// KeyPEM encodes the private key as PKCS#8 PEM.
func (i *Issued) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(i.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Generate creates a certificate. Without a parent it is self-signed.
func Generate(opts CertificateOptions) (*Issued, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}

	key, err := generateKey(opts.KeyType, opts.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 126))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         opts.CommonName,
			Organization:       opts.Organization,
			OrganizationalUnit: opts.OrganizationalUnit,
			Country:            opts.Country,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
		EmailAddresses:        opts.EmailAddresses,
	}
	for _, raw := range opts.URIs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid URI SAN %q: %w", raw, err)
		}
		template.URIs = append(template.URIs, u)
	}

	switch opts.Usage {
	case UsageCA:
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case UsageClient:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
			template.DNSNames = []string{"localhost"}
			template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
		}
	}
	if _, isRSA := key.(*rsa.PrivateKey); isRSA {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	parentCert := template
	var parentKey crypto.Signer = key
	if opts.Parent != nil {
		parentCert = opts.Parent.Certificate
		parentKey = opts.Parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parentCert, key.Public(), parentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Issued{Certificate: cert, Key: key}, nil
}

func generateKey(keyType string, size int) (crypto.Signer, error) {
	switch keyType {
	case "rsa":
		if size == 0 {
			size = 2048
		}
		return rsa.GenerateKey(rand.Reader, size)
	case "", "ecdsa":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}
