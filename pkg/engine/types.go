package engine

import (
	"time"
)

// Stage identifies the pipeline stage an environment was in when it
// produced its outcome.
type Stage string

const (
	// StageResolve is section resolution and placeholder substitution.
	StageResolve Stage = "resolve"

	// StageSandbox is sandbox provisioning and dependency installation.
	StageSandbox Stage = "sandbox"

	// StageExecute is command execution.
	StageExecute Stage = "execute"
)

// Outcome is the terminal state of one environment run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// Command is one resolved command line of an environment.
type Command struct {
	// Argv is the token sequence. Tokens referencing pass-through arguments
	// ({posargs}) are expanded by the executor at spawn time.
	Argv []string `json:"argv"`

	// IgnoreExit marks a command whose non-zero exit status is tolerated
	// (a leading "-" in the configuration).
	IgnoreExit bool `json:"ignore_exit,omitempty"`
}

// Dep is one declared dependency source. Exactly one field is set: a plain
// package specifier, or a requirements file referenced with "-r".
type Dep struct {
	// Package is a plain dependency specifier.
	Package string `json:"package,omitempty"`

	// Requirements is the path of a requirements file.
	Requirements string `json:"requirements,omitempty"`
}

// Specifier returns the dependency source as it contributes to the
// sandbox fingerprint.
func (d Dep) Specifier() string {
	if d.Requirements != "" {
		return "-r" + d.Requirements
	}
	return d.Package
}

// EnvSpec is one environment fully resolved against the default section and
// the substitution context. It is immutable once built; specs are derived
// values recomputed fresh each invocation and never persisted.
type EnvSpec struct {
	// Name is the environment name as requested.
	Name string `json:"name" validate:"required"`

	// Description is the optional human-readable description.
	Description string `json:"description,omitempty"`

	// Factors is the ordered factor set decomposed from the name.
	Factors []string `json:"factors,omitempty"`

	// Interpreter is the interpreter selector after factor resolution.
	Interpreter string `json:"interpreter" validate:"required"`

	// Deps are the dependency sources in declaration order.
	Deps []Dep `json:"deps,omitempty"`

	// InstallCommand is the installer argv template. The reserved token
	// "{packages}" is replaced per dependency source by the sandbox manager.
	InstallCommand []string `json:"install_command" validate:"required,min=1"`

	// Commands is the ordered command list.
	Commands []Command `json:"commands,omitempty"`

	// RootDir is the directory holding the configuration document.
	RootDir string `json:"rootdir" validate:"required"`

	// EnvDir is the sandbox directory for this environment.
	EnvDir string `json:"envdir" validate:"required"`

	// Changedir is the working directory override, empty for RootDir.
	Changedir string `json:"changedir,omitempty"`

	// Setenv are explicit environment variable assignments; they win over
	// sandbox activation variables on conflict.
	Setenv map[string]string `json:"setenv,omitempty"`

	// PassEnv names inherited process variables allowed through to
	// commands. A trailing "*" matches a prefix. Unlisted inherited
	// variables are dropped.
	PassEnv []string `json:"passenv,omitempty"`

	// Allowlist names external programs the environment may invoke from
	// outside its sandbox. A single "*" disables the check.
	Allowlist []string `json:"allowlist,omitempty"`

	// Recreate forces a sandbox rebuild regardless of fingerprint.
	Recreate bool `json:"recreate,omitempty"`

	// Reuse permits reusing a sandbox even when no fingerprint marker is
	// present.
	Reuse bool `json:"reuse,omitempty"`
}

// Sandbox is a provisioned, valid execution sandbox for one environment.
type Sandbox struct {
	// Env is the owning environment name.
	Env string `json:"env"`

	// Dir is the sandbox directory.
	Dir string `json:"dir"`

	// BinDir is the entry-point directory inside the sandbox.
	BinDir string `json:"bin_dir"`

	// Fingerprint is the persisted dependency fingerprint.
	Fingerprint string `json:"fingerprint"`

	// Reused is true when the sandbox was reused rather than rebuilt.
	Reused bool `json:"reused"`
}

// RunResult is the terminal record of one environment run.
type RunResult struct {
	// Env is the environment name.
	Env string `json:"env"`

	// Outcome is the terminal state.
	Outcome Outcome `json:"outcome"`

	// Stage is the stage the environment finished (or failed) in.
	Stage Stage `json:"stage"`

	// ExitCode is the failing command's exit status, 0 otherwise.
	ExitCode int `json:"exit_code"`

	// FailedCommand is the first failing command line, if any.
	FailedCommand []string `json:"failed_command,omitempty"`

	// Duration is the wall-clock time spent on this environment.
	Duration time.Duration `json:"duration"`

	// Output is the captured combined output of the environment's
	// installer and commands.
	Output string `json:"-"`

	// Err is the classified error for non-succeeded outcomes.
	Err error `json:"-"`
}

// Failed reports whether the environment counts against aggregate success.
// Skipped environments do not.
func (r *RunResult) Failed() bool {
	return r.Outcome == OutcomeFailed || r.Outcome == OutcomeCancelled
}

// Aggregate collects the run results of one invocation in requested order.
type Aggregate struct {
	// RunID uniquely identifies this invocation.
	RunID string `json:"run_id"`

	// ConfigPath is the configuration document the run was driven by.
	ConfigPath string `json:"config_path"`

	// Results are the per-environment outcomes in requested order.
	Results []RunResult `json:"results"`

	// StartedAt is when the invocation began.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total wall-clock time of the invocation.
	Duration time.Duration `json:"duration"`
}

// Success is the logical AND across all non-skipped outcomes.
func (a *Aggregate) Success() bool {
	for i := range a.Results {
		if a.Results[i].Failed() {
			return false
		}
	}
	return true
}

// ExitCode is the process-level exit status for this aggregate.
func (a *Aggregate) ExitCode() int {
	if a.Success() {
		return 0
	}
	return 1
}

// FailedCount returns the number of failed or cancelled environments.
func (a *Aggregate) FailedCount() int {
	n := 0
	for i := range a.Results {
		if a.Results[i].Failed() {
			n++
		}
	}
	return n
}
