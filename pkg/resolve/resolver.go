package resolve

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/crucible-run/crucible/pkg/config"
	"github.com/crucible-run/crucible/pkg/engine"
)

// FactorSeparator splits an environment name into its factor set.
const FactorSeparator = "-"

// DefaultInterpreter is the interpreter selector used when neither an
// explicit option nor an interpreter-like factor selects one.
const DefaultInterpreter = "python3"

// defaultInstallCommand is the installer argv template inherited by every
// environment that does not redefine install_command.
const defaultInstallCommand = "{interpreter} -m pip install {packages}"

var pyFactor = regexp.MustCompile(`^py(\d)(\d+)?$`)

// interpreterForFactor maps an interpreter-like factor to its selector:
// py27 -> python2.7, py3 -> python3, py311 -> python3.11, pypy3 -> pypy3.
// Non-interpreter factors map to the empty string.
func interpreterForFactor(factor string) string {
	if factor == "pypy" || strings.HasPrefix(factor, "pypy") {
		return factor
	}
	m := pyFactor.FindStringSubmatch(factor)
	if m == nil {
		return ""
	}
	if m[2] == "" {
		return "python" + m[1]
	}
	return "python" + m[1] + "." + m[2]
}

// Resolver derives environment specs from a parsed document. Specs are
// recomputed fresh on every call; the resolver holds no mutable state.
type Resolver struct {
	doc      *config.Document
	logger   zerolog.Logger
	validate *validator.Validate
}

// New creates a resolver over a parsed document.
func New(doc *config.Document, logger zerolog.Logger) *Resolver {
	return &Resolver{
		doc:      doc,
		logger:   logger.With().Str("component", "resolver").Logger(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Names returns every declared environment name in declaration order.
func (r *Resolver) Names() []string {
	return r.doc.EnvNames()
}

// DefaultList returns the configured default environment list.
func (r *Resolver) DefaultList() []string {
	return r.doc.Global.Envlist
}

// Resolve builds the immutable spec for one named environment. Every option
// present in the default section is inherited unless the target section
// redefines that exact key; a redefinition fully replaces the inherited
// value.
func (r *Resolver) Resolve(_ context.Context, name string) (*engine.EnvSpec, error) {
	target := r.doc.EnvSection(name)
	if target == nil {
		return nil, engine.NewOrchestratorError(fmt.Sprintf("unknown environment %q", name), nil)
	}

	spec := &engine.EnvSpec{
		Name:    name,
		Factors: strings.Split(name, FactorSeparator),
		RootDir: r.doc.Root,
		EnvDir:  filepath.Join(r.doc.Global.Workdir, name),
	}

	sub := newSubster(r.doc, map[string]string{
		"rootdir":   spec.RootDir,
		"workdir":   r.doc.Global.Workdir,
		"envname":   spec.Name,
		"envdir":    spec.EnvDir,
		"envbindir": filepath.Join(spec.EnvDir, "bin"),
	})

	// The interpreter resolves first: its value seeds the {interpreter}
	// context name used by install_command and commands.
	interp, err := r.interpreter(spec, sub)
	if err != nil {
		return nil, err.WithEnv(name)
	}
	spec.Interpreter = interp
	sub.base["interpreter"] = interp

	if err := r.populate(spec, target, sub); err != nil {
		return nil, err.WithEnv(name)
	}

	if err := r.validate.Struct(spec); err != nil {
		return nil, engine.NewConfigError("invalid environment spec", err).WithEnv(name)
	}

	r.logger.Debug().
		Str("env", name).
		Str("interpreter", spec.Interpreter).
		Int("deps", len(spec.Deps)).
		Int("commands", len(spec.Commands)).
		Msg("Environment resolved")

	return spec, nil
}

// interpreter applies the selection order: explicit option first, then
// factor decomposition, where a factor matching a known interpreter tag
// overrides the explicit selector with last-factor-wins tie-breaking.
func (r *Resolver) interpreter(spec *engine.EnvSpec, sub *subster) (string, *engine.Error) {
	selector := ""
	if section, ok := r.definingSection("interpreter", spec.Name); ok {
		v, err := sub.expandOption(section, "interpreter")
		if err != nil {
			return "", asEngineError(err)
		}
		selector = strings.TrimSpace(v)
	}

	for _, factor := range spec.Factors {
		if tag := interpreterForFactor(factor); tag != "" {
			selector = tag
		}
	}

	if selector == "" {
		selector = DefaultInterpreter
	}
	return selector, nil
}

// populate fills every remaining option of the spec through the merged
// lookup and the substitution pass.
func (r *Resolver) populate(spec *engine.EnvSpec, target *config.Section, sub *subster) *engine.Error {
	opt := func(key string) (string, *engine.Error) {
		section, ok := r.definingSection(key, spec.Name)
		if !ok {
			return "", nil
		}
		v, err := sub.expandOption(section, key)
		if err != nil {
			return "", asEngineError(err)
		}
		return v, nil
	}

	var err *engine.Error

	if spec.Description, err = opt("description"); err != nil {
		return err
	}
	spec.Description = strings.TrimSpace(spec.Description)

	raw, err := opt("deps")
	if err != nil {
		return err
	}
	for _, line := range config.Lines(raw) {
		spec.Deps = append(spec.Deps, parseDep(line))
	}

	install, err := opt("install_command")
	if err != nil {
		return err
	}
	if strings.TrimSpace(install) == "" {
		install, err = r.expandDefault(sub, defaultInstallCommand)
		if err != nil {
			return err
		}
	}
	argv, serr := shellquote.Split(install)
	if serr != nil {
		return engine.NewConfigError("malformed install_command", serr)
	}
	spec.InstallCommand = argv

	rawCommands, err := opt("commands")
	if err != nil {
		return err
	}
	for _, line := range joinContinuations(config.Lines(rawCommands)) {
		cmd := engine.Command{}
		if strings.HasPrefix(line, "-") {
			cmd.IgnoreExit = true
			line = strings.TrimSpace(strings.TrimPrefix(line, "-"))
		}
		if line == "" {
			continue
		}
		tokens, serr := shellquote.Split(line)
		if serr != nil {
			return engine.NewConfigError(fmt.Sprintf("malformed command %q", line), serr)
		}
		cmd.Argv = tokens
		spec.Commands = append(spec.Commands, cmd)
	}

	changedir, err := opt("changedir")
	if err != nil {
		return err
	}
	changedir = strings.TrimSpace(changedir)
	if changedir != "" && !filepath.IsAbs(changedir) {
		changedir = filepath.Join(spec.RootDir, changedir)
	}
	spec.Changedir = changedir

	rawSetenv, err := opt("setenv")
	if err != nil {
		return err
	}
	if lines := config.Lines(rawSetenv); len(lines) > 0 {
		spec.Setenv = make(map[string]string, len(lines))
		for _, line := range lines {
			k, v, found := strings.Cut(line, "=")
			if !found || strings.TrimSpace(k) == "" {
				return engine.NewConfigError(fmt.Sprintf("malformed setenv entry %q", line), nil)
			}
			spec.Setenv[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	passenv, err := opt("passenv")
	if err != nil {
		return err
	}
	spec.PassEnv = config.SplitList(passenv)

	allowlist, err := opt("allowlist_externals")
	if err != nil {
		return err
	}
	spec.Allowlist = config.Lines(allowlist)

	if spec.Recreate, err = r.boolOpt(opt, "recreate"); err != nil {
		return err
	}
	if spec.Reuse, err = r.boolOpt(opt, "reuse"); err != nil {
		return err
	}

	return nil
}

// definingSection returns the section whose raw value defines the option
// for this environment: the target section when it redefines the key, the
// default section otherwise.
func (r *Resolver) definingSection(key, env string) (string, bool) {
	if sec := r.doc.EnvSection(env); sec != nil && sec.Has(key) {
		return sec.Name, true
	}
	if def := r.doc.Default(); def != nil && def.Has(key) {
		return def.Name, true
	}
	return "", false
}

// expandDefault runs a built-in default value through the substitution pass.
func (r *Resolver) expandDefault(sub *subster, raw string) (string, *engine.Error) {
	v, err := sub.expand(raw)
	if err != nil {
		return "", asEngineError(err)
	}
	return v, nil
}

func (r *Resolver) boolOpt(opt func(string) (string, *engine.Error), key string) (bool, *engine.Error) {
	v, err := opt(key)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "no", "off":
		return false, nil
	case "true", "1", "yes", "on":
		return true, nil
	default:
		return false, engine.NewConfigError(fmt.Sprintf("invalid boolean for %s: %q", key, v), nil)
	}
}

// parseDep splits a dependency line into a package specifier or a
// requirements-file source ("-r path", with or without the space).
func parseDep(line string) engine.Dep {
	if strings.HasPrefix(line, "-r") {
		return engine.Dep{Requirements: strings.TrimSpace(strings.TrimPrefix(line, "-r"))}
	}
	return engine.Dep{Package: line}
}

// joinContinuations merges lines ending with a backslash into the next line.
func joinContinuations(lines []string) []string {
	var out []string
	pending := ""
	for _, line := range lines {
		if strings.HasSuffix(line, `\`) {
			pending += strings.TrimSuffix(line, `\`) + " "
			continue
		}
		out = append(out, strings.TrimSpace(pending+line))
		pending = ""
	}
	if pending != "" {
		out = append(out, strings.TrimSpace(pending))
	}
	return out
}

// asEngineError narrows an error from the substitution pass, which only
// produces classified config errors.
func asEngineError(err error) *engine.Error {
	if e, ok := err.(*engine.Error); ok {
		return e
	}
	return engine.NewConfigError("substitution failed", err)
}
