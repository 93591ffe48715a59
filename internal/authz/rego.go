package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultEntrypoint = "mq/authz/decision"

// regoEvaluator runs a prepared OPA query against connection input.
type regoEvaluator struct {
	entrypoint string
	query      rego.PreparedEvalQuery
}

func compileRego(ctx context.Context, name, source, entrypoint string) (*regoEvaluator, error) {
	entry := strings.TrimSpace(entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	module, err := ast.ParseModuleWithOpts(name, source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module %q: %w", name, err)
	}

	query := "data." + strings.ReplaceAll(strings.Trim(entry, "/"), "/", ".")
	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module %q: %w", name, err)
	}

	return &regoEvaluator{entrypoint: entry, query: prepared}, nil
}

// evaluate returns the allow decision and an optional reason. The decision
// may be a boolean or an object with "allow" and "reason" keys; an undefined
// decision denies.
func (r *regoEvaluator) evaluate(ctx context.Context, input map[string]any) (bool, string, error) {
	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "policy decision undefined", nil
	}

	switch value := results[0].Expressions[0].Value.(type) {
	case bool:
		return value, "", nil
	case map[string]any:
		allow, ok := value["allow"].(bool)
		if !ok {
			return false, "", fmt.Errorf("opa decision: allow must be boolean, got %T", value["allow"])
		}
		reason, _ := value["reason"].(string)
		return allow, reason, nil
	default:
		return false, "", fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}
