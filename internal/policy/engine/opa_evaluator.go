package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const hijackQuery = "data.sessionctl.hijack_response.action"

// Default Rego policy: block at high risk, ask for re-auth at medium
// risk, otherwise just log. Mirrors the built-in thresholds so a
// deployment without a custom policy behaves identically.
const defaultHijackPolicy = `package sessionctl.hijack_response

default action := "log"

action := "block" if {
	input.risk_score >= 0.8
}

action := "reauth" if {
	input.risk_score >= 0.5
	input.risk_score < 0.8
}
`

// OPAEvaluator resolves hijack responses by evaluating a Rego policy.
// An empty policy string selects the default policy.
type OPAEvaluator struct {
	policy string
}

// NewOPAEvaluator returns an evaluator for the given Rego policy source,
// or the default policy when source is empty.
func NewOPAEvaluator(policySource string) *OPAEvaluator {
	if policySource == "" {
		policySource = defaultHijackPolicy
	}
	return &OPAEvaluator{policy: policySource}
}

// HealthCheck verifies that the configured policy compiles and evaluates
// against a minimal input. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.eval(ctx, 0.0, nil)
	return err
}

// ResolveHijackAction evaluates the policy for the given score and
// reasons. Policy failures fall back to the built-in thresholds rather
// than failing the request; the error is logged and swallowed.
func (e *OPAEvaluator) ResolveHijackAction(ctx context.Context, riskScore float64, reasons []string) (Action, error) {
	action, err := e.eval(ctx, riskScore, reasons)
	if err != nil {
		log.Printf("policy: hijack evaluation failed, using defaults: %v", err)
		return fallbackAction(riskScore), nil
	}
	return action, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, riskScore float64, reasons []string) (Action, error) {
	modules := map[string]string{"hijack_response.rego": e.policy}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return "", fmt.Errorf("compile policy: %w", err)
	}
	if reasons == nil {
		reasons = []string{}
	}
	input := map[string]interface{}{
		"risk_score": riskScore,
		"reasons":    reasons,
	}
	q := rego.New(
		rego.Query(hijackQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return "", fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", fmt.Errorf("policy query returned no result")
	}
	v, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned non-string action %T", rs[0].Expressions[0].Value)
	}
	switch Action(v) {
	case ActionBlock, ActionReauth, ActionLog:
		return Action(v), nil
	default:
		return "", fmt.Errorf("policy returned unknown action %q", v)
	}
}

func fallbackAction(riskScore float64) Action {
	switch {
	case riskScore >= 0.8:
		return ActionBlock
	case riskScore >= 0.5:
		return ActionReauth
	default:
		return ActionLog
	}
}
