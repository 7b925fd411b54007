// Package policy decides whether a caller may act on a run.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Actions checked against the policy.
const (
	ActionSubmitApproval      = "submit_approval"
	ActionSubmitClarification = "submit_clarification"
	ActionCancelRun           = "cancel_run"
	ActionReadRun             = "read_run"
)

// Input is the document a decision is made on.
type Input struct {
	Action  string `json:"action"`
	UserID  string `json:"user_id"`
	OwnerID string `json:"owner_id"`
	RunID   string `json:"run_id"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_policy.allow"),
		rego.Module("run_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Allow evaluates the policy for input. A policy that yields no boolean
// decision denies.
func (e *Engine) Allow(ctx context.Context, input Input) (bool, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// DefaultPolicy lets a user act on their own runs. An empty user id is a
// trusted internal caller.
const DefaultPolicy = `
package run_policy

default allow = false

allow {
	input.user_id == ""
}

allow {
	input.user_id != ""
	input.user_id == input.owner_id
}
`
