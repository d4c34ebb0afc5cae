// Package policy evaluates the feedback routing rules with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Assignment outcomes returned by Engine.Assignment.
const (
	AssignOwned  = "owned"
	AssignLatest = "latest"
	AssignNone   = "none"
)

// Engine is the OPA policy engine.
type Engine struct {
	submit rego.PreparedEvalQuery
	assign rego.PreparedEvalQuery
}

// SubmitInput describes a submission for source verification.
type SubmitInput struct {
	// SessionOwner is the protocol session that created the feedback session.
	SessionOwner string
	// Bound is the protocol session of the submitting socket, empty if unbound.
	Bound string
}

// AssignInput describes a request_session for the assignment decision.
type AssignInput struct {
	OwnedAvailable bool
	AnyAvailable   bool
	Fallback       string
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	submit, err := prepare(ctx, "data.feedback.submit_allowed", policyContent)
	if err != nil {
		return nil, err
	}
	assign, err := prepare(ctx, "data.feedback.assignment", policyContent)
	if err != nil {
		return nil, err
	}
	return &Engine{submit: submit, assign: assign}, nil
}

// MustNewEngine is NewEngine for the built-in policy; it panics on error.
func MustNewEngine() *Engine {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	if err != nil {
		panic(err)
	}
	return e
}

func prepare(ctx context.Context, query, policyContent string) (rego.PreparedEvalQuery, error) {
	r := rego.New(
		rego.Query(query),
		rego.Module("feedback.rego", policyContent),
	)
	q, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return q, nil
}

// AllowSubmit reports whether the submitting socket may answer the session.
// Anything other than an explicit true denies.
func (e *Engine) AllowSubmit(ctx context.Context, in SubmitInput) (bool, error) {
	results, err := e.submit.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"session_owner": in.SessionOwner,
		"bound":         in.Bound,
	}))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// Assignment decides how a request_session is answered: AssignOwned,
// AssignLatest or AssignNone.
func (e *Engine) Assignment(ctx context.Context, in AssignInput) (string, error) {
	results, err := e.assign.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"owned_available": in.OwnedAvailable,
		"any_available":   in.AnyAvailable,
		"fallback":        in.Fallback,
	}))
	if err != nil {
		return AssignNone, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return AssignNone, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return AssignNone, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package feedback

default submit_allowed = false

# Legacy sessions have no owner to verify against.
submit_allowed {
	input.session_owner == ""
}

submit_allowed {
	input.session_owner != ""
	input.bound == input.session_owner
}

default assignment = "none"

assignment = "owned" {
	input.owned_available
}

assignment = "latest" {
	not input.owned_available
	input.any_available
	input.fallback == "latest"
}
`
