// Package policy lints resolved environment specs with OPA. Findings are
// surfaced as warnings alongside the run; only error-severity violations
// block execution.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/crucible-run/crucible/pkg/engine"
)

// Engine evaluates the built-in policies against environment specs.
type Engine struct {
	policies []Policy
	logger   zerolog.Logger
}

// NewEngine creates a new policy engine with the built-in policies.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		policies: GetBuiltinPolicies(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
}

// Evaluate evaluates every enabled policy against every spec.
func (e *Engine) Evaluate(ctx context.Context, specs []*engine.EnvSpec) (*Result, error) {
	start := time.Now()

	var all []Violation
	for i := range e.policies {
		p := &e.policies[i]
		if !p.Enabled {
			continue
		}
		for _, spec := range specs {
			violations, err := e.evaluatePolicy(ctx, p, &Input{Spec: spec})
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", p.Name).
					Str("env", spec.Name).
					Msg("Policy evaluation failed")
				continue
			}
			all = append(all, violations...)
		}
	}

	allowed := true
	for i := range all {
		if all[i].Severity == SeverityError {
			allowed = false
			break
		}
	}

	e.logger.Debug().
		Int("violations", len(all)).
		Dur("duration", time.Since(start)).
		Msg("Policy evaluation completed")

	return &Result{
		Allowed:     allowed,
		Violations:  all,
		EvaluatedAt: time.Now(),
	}, nil
}

// evaluatePolicy evaluates a single policy against one input.
func (e *Engine) evaluatePolicy(ctx context.Context, p *Policy, input *Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(p.Rego))

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, e.createViolation(p, d))
		}
	}
	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "crucible.policies"
}

// createViolation builds a Violation from one deny result.
func (e *Engine) createViolation(p *Policy, result interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		v.Message = fmt.Sprintf("%v", result)
		return v
	}
	if msg, ok := m["message"].(string); ok {
		v.Message = msg
	}
	if env, ok := m["env"].(string); ok {
		v.Env = env
	}
	if sev, ok := m["severity"].(string); ok {
		v.Severity = Severity(sev)
	}
	return v
}
