package authz

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/rego"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Capabilities checked against the policy. Everything else is scoped by
// ownership alone.
const (
	CapSetBudget     = "budget.set"
	CapUnpauseBudget = "budget.unpause"
	CapDeleteTask    = "task.delete"
	CapManageAgents  = "agent.manage"
)

// PolicyEngine wraps a prepared rego query over the capability policy.
type PolicyEngine struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEngine compiles the given policy content. Pass DefaultPolicy
// unless an operator overrides it.
func NewPolicyEngine(ctx context.Context, policyContent string) (*PolicyEngine, error) {
	r := rego.New(
		rego.Query("data.capability_policy.decision"),
		rego.Module("capability_policy.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare rego query")
	}
	return &PolicyEngine{query: query}, nil
}

// Evaluate returns (decision, reason, error). Input carries capability,
// user_id and role.
func (e *PolicyEngine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", goerr.Wrap(err, "failed to evaluate policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionDeny, "no decision", nil
	}
	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return s, "", nil
	}
	if m, ok := val.(map[string]interface{}); ok {
		decision, _ := m["decision"].(string)
		reason, _ := m["reason"].(string)
		return decision, reason, nil
	}
	return DecisionDeny, "unexpected return type", nil
}

// DefaultPolicy grants budget and agent administration to superusers and
// org admins, and keeps destructive task deletion superuser-only.
const DefaultPolicy = `
package capability_policy

default decision = "deny"

decision = "allow" {
	input.role == "superuser"
}

decision = "allow" {
	input.role == "org_admin"
	input.capability != "task.delete"
}
`
