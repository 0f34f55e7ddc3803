package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/crucible-run/crucible/pkg/engine"
)

// Spawner starts one external process and blocks until it exits, streaming
// combined output to out. It returns the exit status and a non-nil error
// for non-zero exits or spawn failures.
type Spawner func(ctx context.Context, argv []string, dir string, env []string, out io.Writer) (int, error)

// Executor implements engine.CommandRunner.
type Executor struct {
	logger  zerolog.Logger
	spawn   Spawner
	environ func() []string
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSpawner replaces process spawning.
func WithSpawner(s Spawner) Option {
	return func(e *Executor) { e.spawn = s }
}

// WithEnviron replaces process-environment capture.
func WithEnviron(fn func() []string) Option {
	return func(e *Executor) { e.environ = fn }
}

// New creates an executor.
func New(logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:  logger.With().Str("component", "executor").Logger(),
		spawn:   execSpawner,
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the spec's command list in order. The first command error
// aborts the remainder; commands marked IgnoreExit tolerate non-zero exits.
func (e *Executor) Run(ctx context.Context, spec *engine.EnvSpec, sb *engine.Sandbox, posargs []string, out io.Writer) error {
	dir := spec.Changedir
	if dir == "" {
		dir = spec.RootDir
	}
	env := e.buildEnv(spec, sb)
	logger := e.logger.With().Str("env", spec.Name).Logger()

	for _, cmd := range spec.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		argv, err := ExpandPosargs(cmd.Argv, posargs)
		if err != nil {
			return engine.NewCommandError("malformed pass-through default", err).WithEnv(spec.Name)
		}
		if len(argv) == 0 {
			continue
		}

		if err := checkWhitelist(spec, sb, argv[0]); err != nil {
			return err
		}

		fmt.Fprintf(out, "$ %s\n", strings.Join(argv, " "))
		logger.Debug().Strs("argv", argv).Str("dir", dir).Msg("Spawning command")

		code, err := e.spawn(ctx, argv, dir, env, out)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cmd.IgnoreExit && code > 0 {
				logger.Debug().Int("exit_code", code).Msg("Ignoring non-zero exit")
				continue
			}
			msg := "command failed"
			if errors.Is(err, exec.ErrNotFound) {
				msg = "program not found"
			}
			return engine.NewCommandError(msg, err).
				WithEnv(spec.Name).
				WithArgv(argv).
				WithExitCode(code)
		}
	}

	return nil
}

// checkWhitelist rejects, before anything is spawned, programs that are
// neither entry points installed inside the sandbox nor whitelisted
// externals.
func checkWhitelist(spec *engine.EnvSpec, sb *engine.Sandbox, prog string) error {
	if installedInSandbox(sb, prog) {
		return nil
	}
	base := filepath.Base(prog)
	for _, allowed := range spec.Allowlist {
		if allowed == "*" || allowed == prog || allowed == base {
			return nil
		}
	}
	return engine.NewCommandError(
		fmt.Sprintf("%q is not installed in the sandbox and not whitelisted (allowlist_externals)", prog), nil).
		WithEnv(spec.Name).
		WithArgv([]string{prog})
}

// installedInSandbox reports whether prog resolves to an entry point in the
// sandbox bin directory.
func installedInSandbox(sb *engine.Sandbox, prog string) bool {
	path := prog
	if !strings.ContainsRune(prog, os.PathSeparator) {
		path = filepath.Join(sb.BinDir, prog)
	} else if !strings.HasPrefix(prog, sb.BinDir+string(os.PathSeparator)) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// buildEnv assembles the reproducible process environment: passenv-allowed
// inherited variables first, then sandbox activation variables, then
// explicit setenv assignments, later layers winning on conflict.
func (e *Executor) buildEnv(spec *engine.EnvSpec, sb *engine.Sandbox) []string {
	merged := make(map[string]string)

	inheritedPath := ""
	for _, kv := range e.environ() {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		if k == "PATH" {
			inheritedPath = v
		}
		if passAllowed(spec.PassEnv, k) {
			merged[k] = v
		}
	}

	path := sb.BinDir
	if inheritedPath != "" {
		path += string(os.PathListSeparator) + inheritedPath
	}
	merged["PATH"] = path
	merged["CRUCIBLE_ENV"] = spec.Name
	merged["CRUCIBLE_ENVDIR"] = sb.Dir

	for k, v := range spec.Setenv {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// passAllowed matches a variable name against the passenv allow-list.
// A trailing "*" matches a prefix.
func passAllowed(passenv []string, name string) bool {
	for _, pattern := range passenv {
		if pattern == name || pattern == "*" {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// ExpandPosargs splices the caller-supplied pass-through tokens into a
// resolved argv. A token that is exactly a {posargs} placeholder splices
// token-wise; an embedded placeholder substitutes the space-joined form.
func ExpandPosargs(argv, posargs []string) ([]string, error) {
	out := make([]string, 0, len(argv)+len(posargs))
	for _, token := range argv {
		def, isPlaceholder := splitPosargs(token)
		switch {
		case !isPlaceholder:
			out = append(out, expandEmbedded(token, posargs))
		case len(posargs) > 0:
			out = append(out, posargs...)
		case def != "":
			tokens, err := shellquote.Split(def)
			if err != nil {
				return nil, err
			}
			out = append(out, tokens...)
		default:
			// No arguments and no default: the placeholder vanishes.
		}
	}
	return out, nil
}

// splitPosargs recognizes a token that is exactly "{posargs}" or
// "{posargs:default}".
func splitPosargs(token string) (def string, ok bool) {
	if token == "{posargs}" {
		return "", true
	}
	if strings.HasPrefix(token, "{posargs:") && strings.HasSuffix(token, "}") {
		return token[len("{posargs:") : len(token)-1], true
	}
	return "", false
}

// expandEmbedded substitutes a {posargs} placeholder embedded inside a
// larger token with the space-joined argument form.
func expandEmbedded(token string, posargs []string) string {
	if !strings.Contains(token, "{posargs") {
		return token
	}
	joined := strings.Join(posargs, " ")
	if idx := strings.Index(token, "{posargs:"); idx >= 0 {
		if end := strings.Index(token[idx:], "}"); end >= 0 {
			def := token[idx+len("{posargs:") : idx+end]
			if len(posargs) == 0 {
				joined = def
			}
			return token[:idx] + joined + token[idx+end+1:]
		}
	}
	return strings.ReplaceAll(token, "{posargs}", joined)
}

// execSpawner is the default Spawner built on os/exec.
func execSpawner(ctx context.Context, argv []string, dir string, env []string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	return -1, err
}
