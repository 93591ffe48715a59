package authz

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule matches when any value of Attribute equals Equals or matches the
// glob Pattern.
type Rule struct {
	Attribute string `yaml:"attribute"`
	Equals    string `yaml:"equals,omitempty"`
	Pattern   string `yaml:"pattern,omitempty"`
}

// PolicySpec is the file form of an authorization policy.
type PolicySpec struct {
	// IdentityAttribute selects the peer identity; defaults to subject_dn.
	IdentityAttribute string   `yaml:"identityAttribute"`
	AllowedIdentities []string `yaml:"allowedIdentities"`
	DeniedIdentities  []string `yaml:"deniedIdentities"`
	Rules             []Rule   `yaml:"rules"`
	// Rego is an inline module; RegoFile is read relative to the policy file.
	Rego       string `yaml:"rego"`
	RegoFile   string `yaml:"regoFile"`
	Entrypoint string `yaml:"entrypoint"`
}

type compiledRule struct {
	attr    Attribute
	equals  string
	pattern string
}

func (r compiledRule) matches(cert *x509.Certificate) bool {
	for _, value := range r.attr.Values(cert) {
		if r.equals != "" && value == r.equals {
			return true
		}
		if r.pattern != "" {
			if ok, _ := path.Match(r.pattern, value); ok {
				return true
			}
		}
	}
	return false
}

// Policy is a compiled, immutable authorization policy. Replace it as a
// whole with Authorizer.SetPolicy.
type Policy struct {
	attr     Attribute
	allowed  map[string]struct{}
	denied   map[string]struct{}
	rules    []compiledRule
	rego     *regoEvaluator
	source   string
	loadedAt time.Time
}

// AllowAll returns a policy that authorizes every trusted peer, using the
// subject DN as identity.
func AllowAll() *Policy {
	return &Policy{attr: AttrSubjectDN, source: "allow-all", loadedAt: time.Now()}
}

// NewPolicy validates spec and compiles any Rego module it carries.
func NewPolicy(ctx context.Context, spec PolicySpec) (*Policy, error) {
	attr, err := ParseAttribute(spec.IdentityAttribute)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		attr:     attr,
		allowed:  toSet(spec.AllowedIdentities),
		denied:   toSet(spec.DeniedIdentities),
		source:   "inline",
		loadedAt: time.Now(),
	}

	for i, rule := range spec.Rules {
		ruleAttr, err := ParseAttribute(rule.Attribute)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.Equals == "" && rule.Pattern == "" {
			return nil, fmt.Errorf("rule %d: equals or pattern is required", i)
		}
		if rule.Pattern != "" {
			if _, err := path.Match(rule.Pattern, ""); err != nil {
				return nil, fmt.Errorf("rule %d: invalid pattern %q: %w", i, rule.Pattern, err)
			}
		}
		p.rules = append(p.rules, compiledRule{attr: ruleAttr, equals: rule.Equals, pattern: rule.Pattern})
	}

	if strings.TrimSpace(spec.Rego) != "" {
		p.rego, err = compileRego(ctx, "authz.rego", spec.Rego, spec.Entrypoint)
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

// LoadPolicyFile reads a YAML policy. A regoFile entry is resolved relative to
// the policy file's directory.
func LoadPolicyFile(ctx context.Context, file string) (*Policy, error) {
	//nolint:gosec // policy path comes from operator configuration
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read authz policy %s: %w", file, err)
	}

	var spec PolicySpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse authz policy %s: %w", file, err)
	}

	if spec.RegoFile != "" && spec.Rego == "" {
		regoPath := spec.RegoFile
		if !filepath.IsAbs(regoPath) {
			regoPath = filepath.Join(filepath.Dir(file), regoPath)
		}
		//nolint:gosec // rego path comes from operator configuration
		src, err := os.ReadFile(regoPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read rego module %s: %w", regoPath, err)
		}
		spec.Rego = string(src)
	}

	p, err := NewPolicy(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("invalid authz policy %s: %w", file, err)
	}
	p.source = file
	return p, nil
}

// IdentityAttribute is the attribute identities are extracted from.
func (p *Policy) IdentityAttribute() Attribute { return p.attr }

// Source names where the policy came from.
func (p *Policy) Source() string { return p.source }

// LoadedAt reports when the policy was compiled.
func (p *Policy) LoadedAt() time.Time { return p.loadedAt }

// restricted reports whether the policy names who may connect. A policy
// without allow-list, rules or Rego admits every trusted peer.
func (p *Policy) restricted() bool {
	return len(p.allowed) > 0 || len(p.rules) > 0
}

// Evaluate decides whether the certificate's holder may use the broker and
// returns the extracted identity.
func (p *Policy) Evaluate(ctx context.Context, cert *x509.Certificate, remoteAddr string) (string, error) {
	values := p.attr.Values(cert)
	if len(values) == 0 {
		return "", notRecognized("", fmt.Sprintf("certificate has no %s", p.attr))
	}

	// With several values the identity is the first one, unless an allow-list
	// entry matches a later value. For organizational_unit "first" follows
	// the DER SET order.
	identity := values[0]
	for _, value := range values {
		if _, ok := p.denied[value]; ok {
			return value, denied(value, "identity is denied", nil)
		}
	}

	if p.restricted() {
		recognized := false
		for _, value := range values {
			if _, ok := p.allowed[value]; ok {
				identity, recognized = value, true
				break
			}
		}
		if !recognized {
			for _, rule := range p.rules {
				if rule.matches(cert) {
					recognized = true
					break
				}
			}
		}
		if !recognized {
			return identity, notRecognized(identity, "identity is not in the authorization policy")
		}
	}

	if p.rego != nil {
		allow, reason, err := p.rego.evaluate(ctx, certificateInput(cert, identity, remoteAddr))
		if err != nil {
			return identity, denied(identity, "policy evaluation failed", err)
		}
		if !allow {
			return identity, denied(identity, reason, nil)
		}
	}

	return identity, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
