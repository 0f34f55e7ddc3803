package engine

import (
	"context"
	"io"
)

// Resolver produces immutable environment specs from the parsed document.
type Resolver interface {
	// Resolve builds the spec for one named environment. Unresolved
	// placeholders and reference cycles yield config errors.
	Resolve(ctx context.Context, name string) (*EnvSpec, error)

	// Names returns every environment name the document declares, in
	// declaration order.
	Names() []string

	// DefaultList returns the configured default environment list.
	DefaultList() []string
}

// SandboxManager provisions or reuses the sandbox for a spec. The returned
// sandbox is always valid for execution; on installer failure the sandbox is
// left marked invalid and a sandbox error is returned instead.
type SandboxManager interface {
	Ensure(ctx context.Context, spec *EnvSpec) (*Sandbox, error)
}

// CommandRunner executes a spec's command list, in order, against a valid
// sandbox. Combined command output is streamed to out. The first command
// error aborts the remainder of the list.
type CommandRunner interface {
	Run(ctx context.Context, spec *EnvSpec, sb *Sandbox, posargs []string, out io.Writer) error
}

// HistoryStore persists aggregate results across invocations.
type HistoryStore interface {
	RecordRun(ctx context.Context, agg *Aggregate) error
}
