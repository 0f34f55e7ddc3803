package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/crucible-run/crucible/pkg/engine"
)

// Runner invokes one external program (the interpreter provisioner or the
// package installer) and returns its combined output. The pass/fail
// contract is exit status only.
type Runner interface {
	Run(ctx context.Context, argv []string, dir string, env []string) ([]byte, error)
}

// execRunner runs programs with os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, argv []string, dir string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.Bytes(), err
}

// Manager provisions and reuses sandboxes. It is the exclusive owner of the
// sandbox directories; concurrent runs only ever touch distinct
// environments, so no locking beyond per-sandbox exclusivity is needed.
type Manager struct {
	logger   zerolog.Logger
	runner   Runner
	lookPath func(string) (string, error)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRunner replaces the external-process runner.
func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithLookPath replaces interpreter lookup.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(m *Manager) { m.lookPath = fn }
}

// NewManager creates a sandbox manager.
func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger.With().Str("component", "sandbox").Logger(),
		runner:   execRunner{},
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure returns a ready sandbox for the spec, reusing the existing
// directory when its persisted fingerprint matches and rebuilding it
// otherwise.
func (m *Manager) Ensure(ctx context.Context, spec *engine.EnvSpec) (*engine.Sandbox, error) {
	dir := spec.EnvDir
	bin := filepath.Join(dir, "bin")
	want := Fingerprint(spec)
	logger := m.logger.With().Str("env", spec.Name).Logger()

	sb := &engine.Sandbox{
		Env:         spec.Name,
		Dir:         dir,
		BinDir:      bin,
		Fingerprint: want,
	}

	if !spec.Recreate {
		if have := readMarker(dir); have == want {
			logger.Debug().Str("fingerprint", want).Msg("Sandbox reused")
			sb.Reused = true
			return sb, nil
		}
		if spec.Reuse {
			if _, err := os.Stat(dir); err == nil {
				logger.Warn().Msg("Reusing sandbox without a matching fingerprint (reuse flag set)")
				sb.Reused = true
				return sb, nil
			}
		}
	}

	logger.Info().
		Str("interpreter", spec.Interpreter).
		Int("deps", len(spec.Deps)).
		Msg("Rebuilding sandbox")

	if err := os.RemoveAll(dir); err != nil {
		return nil, engine.NewSandboxError("cannot remove stale sandbox", err).WithEnv(spec.Name)
	}
	if err := os.MkdirAll(bin, 0o755); err != nil {
		return nil, engine.NewSandboxError("cannot create sandbox layout", err).WithEnv(spec.Name)
	}

	interp, err := m.lookPath(spec.Interpreter)
	if err != nil {
		return nil, engine.NewSandboxError(
			fmt.Sprintf("interpreter %q unavailable", spec.Interpreter),
			fmt.Errorf("%w: %v", engine.ErrInterpreterUnavailable, err)).WithEnv(spec.Name)
	}

	env := installEnv(bin)

	if out, err := m.runner.Run(ctx, []string{interp, "-m", "venv", "--clear", dir}, spec.RootDir, env); err != nil {
		clearMarker(dir)
		return nil, engine.NewSandboxError(
			fmt.Sprintf("interpreter provisioning failed: %s", tail(out)), err).WithEnv(spec.Name)
	}

	// Plain packages install as a single batch, then each requirements file
	// gets its own invocation, in declaration order. Any non-zero exit is a
	// sandbox error regardless of cause; the fingerprint stays cleared so the
	// executor never runs against a half-built sandbox.
	for _, src := range installSources(spec) {
		logger.Debug().Strs("argv", src.argv).Msg("Installing dependency source")
		if out, err := m.runner.Run(ctx, src.argv, spec.RootDir, env); err != nil {
			clearMarker(dir)
			return nil, engine.NewSandboxError(
				fmt.Sprintf("installer failed for %q: %s", src.label, tail(out)), err).WithEnv(spec.Name)
		}
	}

	if err := writeMarker(dir, want); err != nil {
		clearMarker(dir)
		return nil, engine.NewSandboxError("cannot persist sandbox fingerprint", err).WithEnv(spec.Name)
	}

	logger.Info().Str("fingerprint", want).Msg("Sandbox ready")
	return sb, nil
}

// installSource is one installer invocation to run against the sandbox.
type installSource struct {
	label string
	argv  []string
}

// installSources groups the declared dependencies into installer
// invocations: all plain packages form one batch, and every requirements
// file follows as its own invocation, in declaration order.
func installSources(spec *engine.EnvSpec) []installSource {
	var packages []string
	var reqs []string
	for _, dep := range spec.Deps {
		if dep.Requirements != "" {
			reqs = append(reqs, dep.Requirements)
		} else {
			packages = append(packages, dep.Package)
		}
	}

	var sources []installSource
	if len(packages) > 0 {
		sources = append(sources, installSource{
			label: strings.Join(packages, " "),
			argv:  installArgv(spec.InstallCommand, packages),
		})
	}
	for _, r := range reqs {
		sources = append(sources, installSource{
			label: "-r " + r,
			argv:  installArgv(spec.InstallCommand, []string{"-r", r}),
		})
	}
	return sources
}

// installArgv expands the install-command template for one invocation,
// splicing args in place of the reserved {packages} token.
func installArgv(template, args []string) []string {
	argv := make([]string, 0, len(template)+len(args))
	for _, token := range template {
		if token == "{packages}" {
			argv = append(argv, args...)
		} else {
			argv = append(argv, token)
		}
	}
	return argv
}

// installEnv is the installer's process environment: the inherited one with
// the sandbox bin directory prefixed onto PATH.
func installEnv(bin string) []string {
	env := os.Environ()
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + bin + string(os.PathListSeparator) + strings.TrimPrefix(kv, "PATH=")
			return env
		}
	}
	return append(env, "PATH="+bin)
}

// tail returns the last few lines of installer output for error messages.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
