package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"commitment-escrow/backend/internal/challenge/domain"
)

const policyQuery = "data.commitment.authz.allow"

// defaultRegoPolicy encodes who may act on a challenge.
const defaultRegoPolicy = `package commitment.authz

default allow := false

authenticated if input.caller != ""

challenger if {
	authenticated
	input.caller == input.challenge.challenger_id
}

challengee if {
	authenticated
	input.challenge.challengee_id != ""
	input.caller == input.challenge.challengee_id
}

supporter if {
	authenticated
	input.caller in input.challenge.supporter_ids
}

participant if challenger
participant if challengee
participant if supporter

allow if {
	input.action in {"view", "fund", "vote"}
	authenticated
}

allow if {
	input.action == "accept"
	challengee
}

allow if {
	input.action == "submit_proof"
	input.challenge.type == "friend"
	challengee
}

allow if {
	input.action == "submit_proof"
	input.challenge.type == "self"
	challenger
}

allow if {
	input.action in {"approve", "reject", "finalize", "reconcile"}
	challenger
}

allow if {
	input.action == "report_progress"
	participant
}
`

// OPAEvaluator evaluates the challenge authorization policy with OPA Rego.
// The policy is compiled and prepared once; evaluation is safe for concurrent use.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles the built-in policy. Extra modules may override or extend it
// as long as they stay in package commitment.authz.
func NewOPAEvaluator(ctx context.Context, extraModules ...string) (*OPAEvaluator, error) {
	modules := map[string]string{"authz.rego": defaultRegoPolicy}
	for i, m := range extraModules {
		modules[fmt.Sprintf("extra_%d.rego", i)] = m
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: pq}, nil
}

// HealthCheck evaluates the prepared policy against a minimal input. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.eval(ctx, buildInput(ActionView, "", &domain.Challenge{}))
	return err
}

// Allow evaluates the policy. Evaluation failures deny.
func (e *OPAEvaluator) Allow(ctx context.Context, action Action, callerID string, c *domain.Challenge) (bool, error) {
	if c == nil {
		return false, nil
	}
	ok, err := e.eval(ctx, buildInput(action, callerID, c))
	if err != nil {
		log.Printf("policy: evaluate %s on %s: %v", action, c.ID, err)
		return false, err
	}
	return ok, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, input map[string]interface{}) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("policy query returned no result")
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return v, nil
}

func buildInput(action Action, callerID string, c *domain.Challenge) map[string]interface{} {
	supporters := make([]interface{}, len(c.SupporterIDs))
	for i, s := range c.SupporterIDs {
		supporters[i] = s
	}
	return map[string]interface{}{
		"action": string(action),
		"caller": callerID,
		"challenge": map[string]interface{}{
			"id":            c.ID,
			"type":          string(c.Type),
			"status":        string(c.Status),
			"challenger_id": c.ChallengerID,
			"challengee_id": c.ChallengeeID,
			"supporter_ids": supporters,
		},
	}
}
