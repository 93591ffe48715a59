package authz

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// Attribute names a certificate field an identity can be taken from.
type Attribute string

const (
	AttrSubjectDN          Attribute = "subject_dn"
	AttrCommonName         Attribute = "common_name"
	AttrSANDNS             Attribute = "san_dns"
	AttrSANURI             Attribute = "san_uri"
	AttrSANEmail           Attribute = "san_email"
	AttrOrganizationalUnit Attribute = "organizational_unit"
)

// ParseAttribute normalises a configured attribute name. Empty selects the
// subject distinguished name.
func ParseAttribute(value string) (Attribute, error) {
	switch attr := Attribute(strings.ToLower(strings.TrimSpace(value))); attr {
	case "":
		return AttrSubjectDN, nil
	case AttrSubjectDN, AttrCommonName, AttrSANDNS, AttrSANURI, AttrSANEmail, AttrOrganizationalUnit:
		return attr, nil
	default:
		return "", fmt.Errorf("unknown identity attribute %q", value)
	}
}

// Values returns every value of attr present in cert, in certificate order.
// Multiple OUs in one RDN are a DER SET, so crypto/x509 hands them back
// sorted by their encoding rather than in issuance order.
func (a Attribute) Values(cert *x509.Certificate) []string {
	if cert == nil {
		return nil
	}

	switch a {
	case AttrSubjectDN:
		return nonEmpty(cert.Subject.String())
	case AttrCommonName:
		return nonEmpty(cert.Subject.CommonName)
	case AttrSANDNS:
		return append([]string(nil), cert.DNSNames...)
	case AttrSANURI:
		values := make([]string, 0, len(cert.URIs))
		for _, u := range cert.URIs {
			values = append(values, u.String())
		}
		return values
	case AttrSANEmail:
		return append([]string(nil), cert.EmailAddresses...)
	case AttrOrganizationalUnit:
		return append([]string(nil), cert.Subject.OrganizationalUnit...)
	default:
		return nil
	}
}

func nonEmpty(value string) []string {
	if value == "" {
		return nil
	}
	return []string{value}
}

// certificateInput is the document Rego policies see as input.
func certificateInput(cert *x509.Certificate, identity, remoteAddr string) map[string]any {
	return map[string]any{
		"identity":            identity,
		"remote_addr":         remoteAddr,
		"subject_dn":          cert.Subject.String(),
		"common_name":         cert.Subject.CommonName,
		"organizational_unit": toAny(cert.Subject.OrganizationalUnit),
		"organization":        toAny(cert.Subject.Organization),
		"san_dns":             toAny(AttrSANDNS.Values(cert)),
		"san_uri":             toAny(AttrSANURI.Values(cert)),
		"san_email":           toAny(AttrSANEmail.Values(cert)),
		"issuer_dn":           cert.Issuer.String(),
		"serial":              cert.SerialNumber.String(),
		"not_after":           cert.NotAfter.Unix(),
	}
}

func toAny(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
