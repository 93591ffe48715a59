package authz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mq/internal/pki"
	"github.com/polisai/polis-mq/internal/session"
)

const paymentsRego = `package mq.authz

default allow := false

allow if {
	"payments" in input.organizational_unit
}

decision := {"allow": allow, "reason": "payments unit required"}
`

func issueClient(t *testing.T, opts pki.CertificateOptions) *pki.Issued {
	t.Helper()
	ca, err := pki.Generate(pki.CertificateOptions{CommonName: "Test CA", Usage: pki.UsageCA})
	require.NoError(t, err)
	opts.Usage = pki.UsageClient
	opts.Parent = ca
	leaf, err := pki.Generate(opts)
	require.NoError(t, err)
	return leaf
}

func authorizingSession(t *testing.T, leaf *pki.Issued) *session.Session {
	t.Helper()
	s := session.New(nil)
	if leaf != nil {
		s.PeerCertificates = append(s.PeerCertificates, leaf.Certificate)
	}
	require.NoError(t, s.Advance(session.StateHandshaking))
	require.NoError(t, s.Advance(session.StateAuthorizing))
	return s
}

func TestParseAttribute(t *testing.T) {
	attr, err := ParseAttribute("")
	require.NoError(t, err)
	assert.Equal(t, AttrSubjectDN, attr)

	attr, err = ParseAttribute(" SAN_URI ")
	require.NoError(t, err)
	assert.Equal(t, AttrSANURI, attr)

	_, err = ParseAttribute("serial")
	assert.Error(t, err)
}

func TestAttribute_Values(t *testing.T) {
	leaf := issueClient(t, pki.CertificateOptions{
		CommonName:         "orders-client",
		OrganizationalUnit: []string{"payments", "ops"},
		DNSNames:           []string{"orders.internal"},
		EmailAddresses:     []string{"orders@example.com"},
		URIs:               []string{"spiffe://example.org/orders"},
	})
	cert := leaf.Certificate

	assert.Equal(t, []string{cert.Subject.String()}, AttrSubjectDN.Values(cert))
	assert.Equal(t, []string{"orders-client"}, AttrCommonName.Values(cert))
	assert.Equal(t, []string{"orders.internal"}, AttrSANDNS.Values(cert))
	assert.Equal(t, []string{"orders@example.com"}, AttrSANEmail.Values(cert))
	assert.Equal(t, []string{"spiffe://example.org/orders"}, AttrSANURI.Values(cert))
	// DER SET ordering, not issuance order.
	assert.Equal(t, []string{"ops", "payments"}, AttrOrganizationalUnit.Values(cert))
	assert.Nil(t, AttrCommonName.Values(nil))
}

func TestPolicy_Evaluate(t *testing.T) {
	ctx := context.Background()
	orders := issueClient(t, pki.CertificateOptions{CommonName: "orders-client", OrganizationalUnit: []string{"payments"}})
	billing := issueClient(t, pki.CertificateOptions{CommonName: "billing-client", OrganizationalUnit: []string{"finance"}})
	rogue := issueClient(t, pki.CertificateOptions{CommonName: "rogue-client"})

	tests := []struct {
		name     string
		spec     PolicySpec
		cert     *pki.Issued
		identity string
		wantErr  error
	}{
		{
			name:     "empty policy admits any trusted peer",
			spec:     PolicySpec{},
			cert:     rogue,
			identity: rogue.Certificate.Subject.String(),
		},
		{
			name:     "allow list match",
			spec:     PolicySpec{IdentityAttribute: "common_name", AllowedIdentities: []string{"orders-client"}},
			cert:     orders,
			identity: "orders-client",
		},
		{
			name:     "not in allow list",
			spec:     PolicySpec{IdentityAttribute: "common_name", AllowedIdentities: []string{"orders-client"}},
			cert:     rogue,
			identity: "rogue-client",
			wantErr:  ErrIdentityNotRecognized,
		},
		{
			name:     "deny list wins over allow list",
			spec:     PolicySpec{IdentityAttribute: "common_name", AllowedIdentities: []string{"orders-client"}, DeniedIdentities: []string{"orders-client"}},
			cert:     orders,
			identity: "orders-client",
			wantErr:  ErrPolicyDenied,
		},
		{
			name:     "rule pattern match",
			spec:     PolicySpec{IdentityAttribute: "common_name", Rules: []Rule{{Attribute: "common_name", Pattern: "*-client"}}},
			cert:     billing,
			identity: "billing-client",
		},
		{
			name:     "rule equals on another attribute",
			spec:     PolicySpec{IdentityAttribute: "common_name", Rules: []Rule{{Attribute: "organizational_unit", Equals: "payments"}}},
			cert:     billing,
			identity: "billing-client",
			wantErr:  ErrIdentityNotRecognized,
		},
		{
			name:    "missing identity attribute",
			spec:    PolicySpec{IdentityAttribute: "san_uri"},
			cert:    orders,
			wantErr: ErrIdentityNotRecognized,
		},
		{
			name:     "rego allows",
			spec:     PolicySpec{IdentityAttribute: "common_name", Rego: paymentsRego},
			cert:     orders,
			identity: "orders-client",
		},
		{
			name:     "rego denies",
			spec:     PolicySpec{IdentityAttribute: "common_name", Rego: paymentsRego},
			cert:     billing,
			identity: "billing-client",
			wantErr:  ErrPolicyDenied,
		},
		{
			name:     "rego boolean entrypoint",
			spec:     PolicySpec{IdentityAttribute: "common_name", Rego: paymentsRego, Entrypoint: "mq/authz/allow"},
			cert:     orders,
			identity: "orders-client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(ctx, tt.spec)
			require.NoError(t, err)

			identity, err := p.Evaluate(ctx, tt.cert.Certificate, "127.0.0.1:5000")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.identity, identity)
		})
	}
}

func TestPolicy_RegoReason(t *testing.T) {
	ctx := context.Background()
	billing := issueClient(t, pki.CertificateOptions{CommonName: "billing-client", OrganizationalUnit: []string{"finance"}})

	p, err := NewPolicy(ctx, PolicySpec{Rego: paymentsRego})
	require.NoError(t, err)

	_, err = p.Evaluate(ctx, billing.Certificate, "")
	var ae *AuthzError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, ReasonPolicyDenied, ae.Reason)
	assert.Equal(t, "payments unit required", ae.Detail)
}

func TestNewPolicy_Invalid(t *testing.T) {
	ctx := context.Background()
	specs := map[string]PolicySpec{
		"unknown attribute": {IdentityAttribute: "serial"},
		"empty rule":        {Rules: []Rule{{Attribute: "common_name"}}},
		"bad pattern":       {Rules: []Rule{{Attribute: "common_name", Pattern: "[orders"}}},
		"bad rego":          {Rego: "package mq.authz\n\ndecision := {"},
	}
	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			_, err := NewPolicy(ctx, spec)
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payments.rego"), []byte(paymentsRego), 0o600))

	policyPath := filepath.Join(dir, "authz.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(`identityAttribute: common_name
allowedIdentities:
  - orders-client
  - billing-client
regoFile: payments.rego
`), 0o600))

	p, err := LoadPolicyFile(ctx, policyPath)
	require.NoError(t, err)
	assert.Equal(t, policyPath, p.Source())
	assert.Equal(t, AttrCommonName, p.IdentityAttribute())

	orders := issueClient(t, pki.CertificateOptions{CommonName: "orders-client", OrganizationalUnit: []string{"payments"}})
	identity, err := p.Evaluate(ctx, orders.Certificate, "")
	require.NoError(t, err)
	assert.Equal(t, "orders-client", identity)

	_, err = LoadPolicyFile(ctx, filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestAuthorizer_Authorize(t *testing.T) {
	ctx := context.Background()
	orders := issueClient(t, pki.CertificateOptions{CommonName: "orders-client"})
	rogue := issueClient(t, pki.CertificateOptions{CommonName: "rogue-client"})

	p, err := NewPolicy(ctx, PolicySpec{IdentityAttribute: "common_name", AllowedIdentities: []string{"orders-client"}})
	require.NoError(t, err)
	a := New(p, nil)

	s, err := a.Authorize(ctx, authorizingSession(t, orders))
	require.NoError(t, err)
	assert.True(t, s.Authorized())
	assert.Equal(t, session.StateServing, s.State())
	assert.Equal(t, "orders-client", s.PeerIdentity())

	rejected := authorizingSession(t, rogue)
	s, err = a.Authorize(ctx, rejected)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrIdentityNotRecognized)
	assert.False(t, rejected.Authorized())
	assert.Equal(t, session.StateAuthorizing, rejected.State())

	_, err = a.Authorize(ctx, authorizingSession(t, nil))
	assert.ErrorIs(t, err, ErrIdentityNotRecognized)
}

func TestAuthorizer_SetPolicy(t *testing.T) {
	ctx := context.Background()
	rogue := issueClient(t, pki.CertificateOptions{CommonName: "rogue-client"})

	a := New(nil, nil)
	assert.Equal(t, "allow-all", a.Policy().Source())

	_, err := a.Authorize(ctx, authorizingSession(t, rogue))
	require.NoError(t, err)

	p, err := NewPolicy(ctx, PolicySpec{IdentityAttribute: "common_name", DeniedIdentities: []string{"rogue-client"}})
	require.NoError(t, err)
	a.SetPolicy(p)

	_, err = a.Authorize(ctx, authorizingSession(t, rogue))
	assert.ErrorIs(t, err, ErrPolicyDenied)

	a.SetPolicy(nil)
	_, err = a.Authorize(ctx, authorizingSession(t, rogue))
	assert.NoError(t, err)
}

func TestAuthzError_Message(t *testing.T) {
	err := denied("orders-client", "identity is denied", errors.New("boom"))
	assert.Equal(t, `authorization failed: policy_denied (identity="orders-client"): identity is denied: boom`, err.Error())
	assert.False(t, errors.Is(err, ErrIdentityNotRecognized))
	assert.True(t, errors.Is(err, ErrPolicyDenied))
}
