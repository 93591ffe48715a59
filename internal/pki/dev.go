package pki

import (
	"crypto/x509"
	"fmt"
	"net"
	"path/filepath"
	"time"
)

// DevOptions configures GenerateDevPKI.
type DevOptions struct {
	// Format is PKCS12 (default), JKS or PEM.
	Format   string
	Password string
	// Clients lists the common names of trusted client certificates to
	// issue. Defaults to a single "mq-client".
	Clients  []string
	Hosts    []string
	ValidFor time.Duration
}

// DevPKI describes a generated development PKI on disk.
type DevPKI struct {
	Dir    string
	Format string

	CA          *Issued
	Broker      *Issued
	Clients     map[string]*Issued
	UntrustedCA *Issued
	Untrusted   *Issued

	BrokerKeyStore      string
	BrokerTrustStore    string
	ClientKeyStores     map[string]string
	ClientTrustStore    string
	UntrustedKeyStore   string
	CACertificate       string
	UntrustedTrustStore string
}

// GenerateDevPKI creates a CA, a broker certificate for the local host,
// trusted client certificates and one client certificate issued by an
// unrelated CA, and writes them as key and trust stores under dir.
func GenerateDevPKI(dir string, opts DevOptions) (*DevPKI, error) {
	if opts.Format == "" {
		opts.Format = FormatPKCS12
	}
	if len(opts.Clients) == 0 {
		opts.Clients = []string{"mq-client"}
	}

	ca, err := Generate(CertificateOptions{
		CommonName:   "Polis MQ Dev CA",
		Organization: []string{"Polis MQ"},
		Usage:        UsageCA,
		ValidFor:     opts.ValidFor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA: %w", err)
	}

	dnsNames := append([]string{"localhost"}, opts.Hosts...)
	broker, err := Generate(CertificateOptions{
		CommonName:   "mq-broker",
		Organization: []string{"Polis MQ"},
		DNSNames:     dnsNames,
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		Usage:        UsageServer,
		ValidFor:     opts.ValidFor,
		Parent:       ca,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate broker certificate: %w", err)
	}

	untrustedCA, err := Generate(CertificateOptions{
		CommonName:   "Untrusted Dev CA",
		Organization: []string{"Elsewhere"},
		Usage:        UsageCA,
		ValidFor:     opts.ValidFor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate untrusted CA: %w", err)
	}
	untrusted, err := Generate(CertificateOptions{
		CommonName:   "untrusted-client",
		Organization: []string{"Elsewhere"},
		Usage:        UsageClient,
		ValidFor:     opts.ValidFor,
		Parent:       untrustedCA,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate untrusted client: %w", err)
	}

	ext := Extension(opts.Format)
	out := &DevPKI{
		Dir:                 dir,
		Format:              opts.Format,
		CA:                  ca,
		Broker:              broker,
		Clients:             make(map[string]*Issued, len(opts.Clients)),
		UntrustedCA:         untrustedCA,
		Untrusted:           untrusted,
		BrokerKeyStore:      filepath.Join(dir, "broker."+ext),
		BrokerTrustStore:    filepath.Join(dir, "broker-truststore."+ext),
		ClientKeyStores:     make(map[string]string, len(opts.Clients)),
		ClientTrustStore:    filepath.Join(dir, "client-truststore."+ext),
		UntrustedKeyStore:   filepath.Join(dir, "untrusted-client."+ext),
		UntrustedTrustStore: filepath.Join(dir, "untrusted-truststore."+ext),
		CACertificate:       filepath.Join(dir, "ca.pem"),
	}

	if err := WriteKeyStore(out.BrokerKeyStore, opts.Format, broker, nil, nil, opts.Password); err != nil {
		return nil, err
	}
	if err := WriteTrustStore(out.BrokerTrustStore, opts.Format, []*x509.Certificate{ca.Certificate}, opts.Password); err != nil {
		return nil, err
	}
	if err := WriteTrustStore(out.ClientTrustStore, opts.Format, []*x509.Certificate{ca.Certificate}, opts.Password); err != nil {
		return nil, err
	}
	if err := WriteTrustStore(out.CACertificate, FormatPEM, []*x509.Certificate{ca.Certificate}, ""); err != nil {
		return nil, err
	}

	for _, name := range opts.Clients {
		client, err := Generate(CertificateOptions{
			CommonName:   name,
			Organization: []string{"Polis MQ"},
			Usage:        UsageClient,
			ValidFor:     opts.ValidFor,
			Parent:       ca,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate client %s: %w", name, err)
		}
		path := filepath.Join(dir, "client-"+name+"."+ext)
		if err := WriteKeyStore(path, opts.Format, client, nil, nil, opts.Password); err != nil {
			return nil, err
		}
		out.Clients[name] = client
		out.ClientKeyStores[name] = path
	}

	if err := WriteKeyStore(out.UntrustedKeyStore, opts.Format, untrusted, nil, nil, opts.Password); err != nil {
		return nil, err
	}
	if err := WriteTrustStore(out.UntrustedTrustStore, opts.Format, []*x509.Certificate{untrustedCA.Certificate}, opts.Password); err != nil {
		return nil, err
	}

	return out, nil
}
