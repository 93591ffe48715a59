// Package main is the entry point for the mq-cert binary, which generates
// development key and trust stores and inspects existing stores.
package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polisai/polis-mq/internal/keystore"
	"github.com/polisai/polis-mq/internal/pki"
)

const (
	version = "1.0.0"
)

// CertificateInfo is the printable summary of one certificate.
type CertificateInfo struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	DNSNames    []string  `json:"dns_names"`
	IPAddresses []string  `json:"ip_addresses"`
	IsCA        bool      `json:"is_ca"`
	Expired     bool      `json:"expired"`
	NotYetValid bool      `json:"not_yet_valid"`
}

// StoreInfo is the printable summary of a key or trust store.
type StoreInfo struct {
	File         string            `json:"file"`
	Type         string            `json:"type"`
	Kind         string            `json:"kind"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	Certificates []CertificateInfo `json:"certificates"`
}

func main() {
	var (
		devCmd     = flag.NewFlagSet("dev-pki", flag.ExitOnError)
		inspectCmd = flag.NewFlagSet("inspect", flag.ExitOnError)
		versionCmd = flag.NewFlagSet("version", flag.ExitOnError)
	)

	// dev-pki command flags
	var (
		devOutputDir = devCmd.String("output-dir", "./certs", "Output directory for stores")
		devFormat    = devCmd.String("format", pki.FormatPKCS12, "Store format: PKCS12, JKS or PEM")
		devPassword  = devCmd.String("password", "changeit", "Store password (ignored for PEM)")
		devClients   = devCmd.String("clients", "mq-client", "Comma-separated client common names")
		devHosts     = devCmd.String("hosts", "", "Comma-separated extra broker DNS names")
		devValidFor  = devCmd.Duration("valid-for", 365*24*time.Hour, "Leaf certificate validity")
	)

	// inspect command flags
	var (
		inspectStore    = inspectCmd.String("store", "", "Key or trust store to inspect")
		inspectType     = inspectCmd.String("type", "", "Store type; derived from the extension when empty")
		inspectPassword = inspectCmd.String("password", "", "Store password")
		inspectTrust    = inspectCmd.Bool("trust", false, "Read the store as a trust store")
		inspectFormat   = inspectCmd.String("format", "text", "Output format: text, json")
	)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "dev-pki":
		_ = devCmd.Parse(os.Args[2:])
		password := *devPassword
		if strings.EqualFold(*devFormat, pki.FormatPEM) {
			password = ""
		}
		handleDevPKI(*devOutputDir, pki.DevOptions{
			Format:   strings.ToUpper(*devFormat),
			Password: password,
			Clients:  splitList(*devClients),
			Hosts:    splitList(*devHosts),
			ValidFor: *devValidFor,
		})

	case "inspect":
		_ = inspectCmd.Parse(os.Args[2:])
		if *inspectStore == "" {
			fmt.Fprintf(os.Stderr, "Error: -store flag is required\n")
			inspectCmd.Usage()
			os.Exit(1)
		}
		storeType := *inspectType
		if storeType == "" {
			storeType = typeFromExtension(*inspectStore)
		}
		handleInspect(keystore.StoreSpec{Path: *inspectStore, Type: storeType, Password: *inspectPassword}, *inspectTrust, *inspectFormat)

	case "version":
		_ = versionCmd.Parse(os.Args[2:])
		fmt.Printf("mq-cert version %s\n", version)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`mq-cert - Key and trust store utility for the polis-mq broker

Usage:
  mq-cert <command> [options]

Commands:
  dev-pki     Generate a development CA, broker and client stores
  inspect     Inspect a key or trust store and display its certificates
  version     Show version information

Examples:
  # Generate PKCS#12 stores for the broker and one client
  mq-cert dev-pki -output-dir ./certs -clients mq-client

  # Generate PEM stores (no passwords)
  mq-cert dev-pki -format PEM -output-dir ./certs

  # Inspect the broker key store
  mq-cert inspect -store ./certs/broker.p12 -password changeit

  # Inspect a trust store as JSON
  mq-cert inspect -trust -store ./certs/broker-truststore.p12 -password changeit -format json

Use "mq-cert <command> -h" for more information about a command.
`)
}

func handleDevPKI(outputDir string, opts pki.DevOptions) {
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	dev, err := pki.GenerateDevPKI(outputDir, opts)
	if err != nil {
		log.Fatalf("Failed to generate development PKI: %v", err)
	}

	if err := writeReadme(dev, opts.Password); err != nil {
		log.Fatalf("Failed to write README: %v", err)
	}

	fmt.Printf("Development PKI generated in %s (%s):\n", outputDir, dev.Format)
	fmt.Printf("  CA certificate:        %s\n", dev.CACertificate)
	fmt.Printf("  Broker key store:      %s\n", dev.BrokerKeyStore)
	fmt.Printf("  Broker trust store:    %s\n", dev.BrokerTrustStore)
	fmt.Printf("  Client trust store:    %s\n", dev.ClientTrustStore)
	for _, name := range opts.Clients {
		fmt.Printf("  Client %-14s %s\n", name+":", dev.ClientKeyStores[name])
	}
	fmt.Printf("  Untrusted client:      %s\n", dev.UntrustedKeyStore)
}

func writeReadme(dev *pki.DevPKI, password string) error {
	readme := `# Development PKI

These stores were generated by mq-cert for local testing only. Do not use
them in production.

- broker key store: ` + filepath.Base(dev.BrokerKeyStore) + `
- broker trust store: ` + filepath.Base(dev.BrokerTrustStore) + ` (trusts the dev CA)
- client trust store: ` + filepath.Base(dev.ClientTrustStore) + ` (trusts the dev CA)
- untrusted client: ` + filepath.Base(dev.UntrustedKeyStore) + ` (issued by an unrelated CA; the broker rejects it)

## Broker configuration

` + "```yaml" + `
brokerURL: ssl://localhost:61617
resourceDir: ` + dev.Dir + `
keystorePath: ` + filepath.Base(dev.BrokerKeyStore) + `
keystoreType: ` + dev.Format + `
keystorePassword: "` + password + `"
truststorePath: ` + filepath.Base(dev.BrokerTrustStore) + `
truststoreType: ` + dev.Format + `
truststorePassword: "` + password + `"
` + "```" + `
`
	return os.WriteFile(filepath.Join(dev.Dir, "README.md"), []byte(readme), 0o600)
}

func handleInspect(spec keystore.StoreSpec, trust bool, format string) {
	info, err := inspectStore(context.Background(), spec, trust)
	if err != nil {
		log.Fatalf("Failed to inspect store: %v", err)
	}

	switch format {
	case "text":
		printStoreInfoText(info)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(info); err != nil {
			log.Fatalf("Failed to encode store info: %v", err)
		}
	default:
		log.Fatalf("Unknown format: %s (supported: text, json)", format)
	}
}

func inspectStore(ctx context.Context, spec keystore.StoreSpec, trust bool) (*StoreInfo, error) {
	info := &StoreInfo{File: spec.Path, Type: strings.ToUpper(spec.Type), Kind: "key store"}

	var certs []*x509.Certificate
	if trust {
		info.Kind = "trust store"
		anchors, err := keystore.LoadTrustStore(ctx, nil, spec)
		if err != nil {
			return nil, err
		}
		certs = anchors
	} else {
		material, err := keystore.Load(ctx, nil, spec)
		if err != nil {
			return nil, err
		}
		info.Fingerprint = material.Fingerprint()
		certs = append(certs, material.CertificateChain...)
		certs = append(certs, material.TrustAnchors...)
	}

	now := time.Now()
	for _, cert := range certs {
		info.Certificates = append(info.Certificates, describe(cert, now))
	}
	return info, nil
}

func describe(cert *x509.Certificate, now time.Time) CertificateInfo {
	ips := make([]string, 0, len(cert.IPAddresses))
	for _, ip := range cert.IPAddresses {
		ips = append(ips, ip.String())
	}
	return CertificateInfo{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		DNSNames:    cert.DNSNames,
		IPAddresses: ips,
		IsCA:        cert.IsCA,
		Expired:     now.After(cert.NotAfter),
		NotYetValid: now.Before(cert.NotBefore),
	}
}

func printStoreInfoText(info *StoreInfo) {
	fmt.Printf("Store Information:\n")
	fmt.Printf("  File: %s\n", info.File)
	fmt.Printf("  Type: %s %s\n", info.Type, info.Kind)
	if info.Fingerprint != "" {
		fmt.Printf("  Leaf Fingerprint: %s\n", info.Fingerprint)
	}

	now := time.Now()
	for i, cert := range info.Certificates {
		fmt.Printf("\nCertificate %d:\n", i+1)
		fmt.Printf("  Subject: %s\n", cert.Subject)
		fmt.Printf("  Issuer: %s\n", cert.Issuer)
		fmt.Printf("  Valid From: %s\n", cert.NotBefore.Format(time.RFC3339))
		fmt.Printf("  Valid Until: %s\n", cert.NotAfter.Format(time.RFC3339))

		switch {
		case cert.Expired:
			fmt.Printf("  Status: EXPIRED (%v ago)\n", now.Sub(cert.NotAfter).Truncate(time.Hour))
		case cert.NotYetValid:
			fmt.Printf("  Status: NOT YET VALID (valid in %v)\n", cert.NotBefore.Sub(now).Truncate(time.Hour))
		default:
			remaining := cert.NotAfter.Sub(now)
			if remaining < 30*24*time.Hour {
				fmt.Printf("  Status: EXPIRES SOON (in %v)\n", remaining.Truncate(time.Hour))
			} else {
				fmt.Printf("  Status: VALID (expires in %v)\n", remaining.Truncate(time.Hour))
			}
		}

		if len(cert.DNSNames) > 0 {
			fmt.Printf("  DNS Names: %s\n", strings.Join(cert.DNSNames, ", "))
		}
		if len(cert.IPAddresses) > 0 {
			fmt.Printf("  IP Addresses: %s\n", strings.Join(cert.IPAddresses, ", "))
		}
	}
}

func typeFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jks":
		return pki.FormatJKS
	case ".pem", ".crt":
		return pki.FormatPEM
	default:
		return pki.FormatPKCS12
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
