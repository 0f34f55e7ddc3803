package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by the boundary it is fatal to.
type Kind string

const (
	// KindConfig indicates a malformed document, an unresolved placeholder,
	// or a reference cycle. Fatal to the whole run, reported before any
	// execution begins.
	KindConfig Kind = "config"

	// KindOrchestrator indicates an unknown requested environment.
	// Fatal to the whole run.
	KindOrchestrator Kind = "orchestrator"

	// KindSandbox indicates an unavailable interpreter or a non-zero
	// installer exit. Fatal to that environment only.
	KindSandbox Kind = "sandbox"

	// KindCommand indicates a non-zero command exit, a whitelist violation,
	// or a program that could not be found. Fatal to that environment only;
	// aborts its remaining commands.
	KindCommand Kind = "command"
)

// ErrInterpreterUnavailable marks sandbox errors caused by an interpreter
// that cannot be found on the host. The orchestrator downgrades these to a
// skipped outcome when the document opts in.
var ErrInterpreterUnavailable = errors.New("interpreter unavailable")

// Error is a classified error with environment and stage context.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Env is the environment name the error belongs to, if any.
	Env string `json:"env,omitempty"`

	// Stage is the pipeline stage the error occurred in.
	Stage Stage `json:"stage,omitempty"`

	// Argv is the failing command line for command errors.
	Argv []string `json:"argv,omitempty"`

	// ExitCode is the failing command's exit status for command errors.
	ExitCode int `json:"exit_code,omitempty"`

	// Chain is the reference chain for cycle errors.
	Chain []string `json:"chain,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Env != "" {
		fmt.Fprintf(&b, " env=%s", e.Env)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	fmt.Fprintf(&b, " %s", e.Message)
	if len(e.Argv) > 0 {
		fmt.Fprintf(&b, " (command: %s, exit code %d)", strings.Join(e.Argv, " "), e.ExitCode)
	}
	if len(e.Chain) > 0 {
		fmt.Fprintf(&b, " (chain: %s)", strings.Join(e.Chain, " -> "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is on the Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewConfigError creates a new config error.
func NewConfigError(message string, err error) *Error {
	return &Error{Kind: KindConfig, Stage: StageResolve, Message: message, Err: err}
}

// NewOrchestratorError creates a new orchestrator error.
func NewOrchestratorError(message string, err error) *Error {
	return &Error{Kind: KindOrchestrator, Message: message, Err: err}
}

// NewSandboxError creates a new sandbox error.
func NewSandboxError(message string, err error) *Error {
	return &Error{Kind: KindSandbox, Stage: StageSandbox, Message: message, Err: err}
}

// NewCommandError creates a new command error.
func NewCommandError(message string, err error) *Error {
	return &Error{Kind: KindCommand, Stage: StageExecute, Message: message, Err: err}
}

// WithEnv adds environment context to an error.
func (e *Error) WithEnv(env string) *Error {
	e.Env = env
	return e
}

// WithStage overrides the pipeline stage of an error.
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage
	return e
}

// WithArgv attaches the failing command line to an error.
func (e *Error) WithArgv(argv []string) *Error {
	e.Argv = argv
	return e
}

// WithExitCode attaches the failing exit status to an error.
func (e *Error) WithExitCode(code int) *Error {
	e.ExitCode = code
	return e
}

// WithChain attaches a substitution reference chain to a cycle error.
func (e *Error) WithChain(chain []string) *Error {
	e.Chain = chain
	return e
}

// KindOf returns the classification of err, or the empty Kind when err is
// not a classified engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfig returns true if the error is classified as a config error.
func IsConfig(err error) bool { return KindOf(err) == KindConfig }

// IsOrchestrator returns true if the error is classified as an orchestrator error.
func IsOrchestrator(err error) bool { return KindOf(err) == KindOrchestrator }

// IsSandbox returns true if the error is classified as a sandbox error.
func IsSandbox(err error) bool { return KindOf(err) == KindSandbox }

// IsCommand returns true if the error is classified as a command error.
func IsCommand(err error) bool { return KindOf(err) == KindCommand }

// IsFatal returns true if the error aborts the whole run rather than a
// single environment.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindConfig || k == KindOrchestrator
}
