package policy

import (
	"time"

	"github.com/crucible-run/crucible/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block execution.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block execution.
	SeverityError Severity = "error"
)

// Policy represents one lint rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Env is the environment the violation belongs to.
	Env string `json:"env,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates whether execution may proceed: no error-severity
	// violations were found.
	Allowed bool `json:"allowed"`

	// Violations lists all findings.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is the document fed to Rego evaluation.
type Input struct {
	// Spec is the resolved environment spec under evaluation.
	Spec *engine.EnvSpec `json:"spec"`
}
