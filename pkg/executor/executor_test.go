package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/crucible-run/crucible/pkg/engine"
)

// fakeSpawner records spawned commands and fails the ones listed in exits.
type fakeSpawner struct {
	spawned [][]string
	envs    [][]string
	dirs    []string
	exits   map[string]int
}

func (f *fakeSpawner) spawn(_ context.Context, argv []string, dir string, env []string, out io.Writer) (int, error) {
	f.spawned = append(f.spawned, append([]string{}, argv...))
	f.envs = append(f.envs, env)
	f.dirs = append(f.dirs, dir)
	if code, ok := f.exits[argv[0]]; ok && code != 0 {
		return code, errors.New("exit status")
	}
	return 0, nil
}

// testSandbox lays out a sandbox with the named entry points installed.
func testSandbox(t *testing.T, entryPoints ...string) *engine.Sandbox {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatalf("failed to create bin dir: %v", err)
	}
	for _, name := range entryPoints {
		if err := os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatalf("failed to install entry point: %v", err)
		}
	}
	return &engine.Sandbox{Env: "py311", Dir: dir, BinDir: bin}
}

func testExecSpec(commands ...engine.Command) *engine.EnvSpec {
	return &engine.EnvSpec{
		Name:     "py311",
		RootDir:  "/project",
		Commands: commands,
	}
}

func TestExecutor_Run_SandboxCommand(t *testing.T) {
	spawner := &fakeSpawner{}
	e := New(zerolog.Nop(), WithSpawner(spawner.spawn), WithEnviron(func() []string { return nil }))
	sb := testSandbox(t, "pytest")
	spec := testExecSpec(engine.Command{Argv: []string{"pytest", "tests"}})

	var out bytes.Buffer
	if err := e.Run(context.Background(), spec, sb, nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spawner.spawned) != 1 {
		t.Fatalf("expected 1 spawn, got %d", len(spawner.spawned))
	}
	if !reflect.DeepEqual(spawner.spawned[0], []string{"pytest", "tests"}) {
		t.Errorf("unexpected argv %v", spawner.spawned[0])
	}
	if spawner.dirs[0] != "/project" {
		t.Errorf("expected the root directory, got %s", spawner.dirs[0])
	}
	if !strings.Contains(out.String(), "$ pytest tests") {
		t.Errorf("expected the command echo in output, got %q", out.String())
	}
}

func TestExecutor_Run_Whitelist(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		prog      string
		wantErr   bool
	}{
		{name: "sandbox entry point needs no whitelist", prog: "pytest"},
		{name: "external rejected without whitelist", prog: "make", wantErr: true},
		{name: "whitelisted external", allowlist: []string{"make"}, prog: "make"},
		{name: "wildcard admits everything", allowlist: []string{"*"}, prog: "anything"},
		{name: "unrelated whitelist entry", allowlist: []string{"cmake"}, prog: "make", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spawner := &fakeSpawner{}
			e := New(zerolog.Nop(), WithSpawner(spawner.spawn), WithEnviron(func() []string { return nil }))
			sb := testSandbox(t, "pytest")
			spec := testExecSpec(engine.Command{Argv: []string{tt.prog}})
			spec.Allowlist = tt.allowlist

			err := e.Run(context.Background(), spec, sb, nil, io.Discard)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected whitelist violation, got none")
				}
				if !engine.IsCommand(err) {
					t.Errorf("expected a command error, got %v", err)
				}
				// Rejected before anything is spawned.
				if len(spawner.spawned) != 0 {
					t.Errorf("expected no spawns, got %v", spawner.spawned)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(spawner.spawned) != 1 {
				t.Errorf("expected 1 spawn, got %d", len(spawner.spawned))
			}
		})
	}
}

func TestExecutor_Run_FailFast(t *testing.T) {
	spawner := &fakeSpawner{exits: map[string]int{"failing": 2}}
	e := New(zerolog.Nop(), WithSpawner(spawner.spawn), WithEnviron(func() []string { return nil }))
	sb := testSandbox(t, "failing", "after")
	spec := testExecSpec(
		engine.Command{Argv: []string{"failing"}},
		engine.Command{Argv: []string{"after"}},
	)

	err := e.Run(context.Background(), spec, sb, nil, io.Discard)
	if err == nil {
		t.Fatal("expected error, got none")
	}

	var cerr *engine.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a classified error, got %T", err)
	}
	if cerr.Kind != engine.KindCommand {
		t.Errorf("expected command kind, got %s", cerr.Kind)
	}
	if cerr.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", cerr.ExitCode)
	}
	if !reflect.DeepEqual(cerr.Argv, []string{"failing"}) {
		t.Errorf("expected the failing argv, got %v", cerr.Argv)
	}

	// The remainder of the list never runs.
	if len(spawner.spawned) != 1 {
		t.Errorf("expected 1 spawn, got %v", spawner.spawned)
	}
}

func TestExecutor_Run_IgnoreExit(t *testing.T) {
	spawner := &fakeSpawner{exits: map[string]int{"flaky": 1}}
	e := New(zerolog.Nop(), WithSpawner(spawner.spawn), WithEnviron(func() []string { return nil }))
	sb := testSandbox(t, "flaky", "after")
	spec := testExecSpec(
		engine.Command{Argv: []string{"flaky"}, IgnoreExit: true},
		engine.Command{Argv: []string{"after"}},
	)

	if err := e.Run(context.Background(), spec, sb, nil, io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spawner.spawned) != 2 {
		t.Errorf("expected both commands to run, got %v", spawner.spawned)
	}
}

func TestExecutor_Run_Cancelled(t *testing.T) {
	spawner := &fakeSpawner{}
	e := New(zerolog.Nop(), WithSpawner(spawner.spawn), WithEnviron(func() []string { return nil }))
	sb := testSandbox(t, "pytest")
	spec := testExecSpec(engine.Command{Argv: []string{"pytest"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx, spec, sb, nil, io.Discard)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(spawner.spawned) != 0 {
		t.Errorf("expected no spawns after cancellation, got %v", spawner.spawned)
	}
}

func TestExecutor_Run_Changedir(t *testing.T) {
	spawner := &fakeSpawner{}
	e := New(zerolog.Nop(), WithSpawner(spawner.spawn), WithEnviron(func() []string { return nil }))
	sb := testSandbox(t, "pytest")
	spec := testExecSpec(engine.Command{Argv: []string{"pytest"}})
	spec.Changedir = "/project/src"

	if err := e.Run(context.Background(), spec, sb, nil, io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spawner.dirs[0] != "/project/src" {
		t.Errorf("expected the changedir, got %s", spawner.dirs[0])
	}
}

func TestExecutor_BuildEnv(t *testing.T) {
	spawner := &fakeSpawner{}
	e := New(zerolog.Nop(),
		WithSpawner(spawner.spawn),
		WithEnviron(func() []string {
			return []string{
				"HOME=/home/u",
				"CI_JOB=42",
				"CI_STAGE=test",
				"SECRET_TOKEN=hush",
				"PATH=/usr/bin:/bin",
			}
		}),
	)
	sb := testSandbox(t, "pytest")
	spec := testExecSpec(engine.Command{Argv: []string{"pytest"}})
	spec.PassEnv = []string{"HOME", "CI_*"}
	spec.Setenv = map[string]string{"HOME": "/tmp/home", "PYTHONHASHSEED": "0"}

	if err := e.Run(context.Background(), spec, sb, nil, io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := make(map[string]string)
	for _, kv := range spawner.envs[0] {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}

	if _, ok := env["SECRET_TOKEN"]; ok {
		t.Error("expected unlisted inherited variables to be dropped")
	}
	if env["CI_JOB"] != "42" || env["CI_STAGE"] != "test" {
		t.Error("expected the passenv prefix glob to admit CI_* variables")
	}
	// setenv wins over the inherited value.
	if env["HOME"] != "/tmp/home" {
		t.Errorf("expected setenv to win, got HOME=%q", env["HOME"])
	}
	if env["PYTHONHASHSEED"] != "0" {
		t.Errorf("expected explicit setenv variable, got %q", env["PYTHONHASHSEED"])
	}
	if env["CRUCIBLE_ENV"] != "py311" {
		t.Errorf("expected activation variable CRUCIBLE_ENV, got %q", env["CRUCIBLE_ENV"])
	}
	if env["CRUCIBLE_ENVDIR"] != sb.Dir {
		t.Errorf("expected activation variable CRUCIBLE_ENVDIR, got %q", env["CRUCIBLE_ENVDIR"])
	}
	wantPath := sb.BinDir + string(os.PathListSeparator) + "/usr/bin:/bin"
	if env["PATH"] != wantPath {
		t.Errorf("expected PATH %q, got %q", wantPath, env["PATH"])
	}
}

func TestExpandPosargs(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		posargs []string
		want    []string
	}{
		{
			name: "no placeholder",
			argv: []string{"pytest", "tests"},
			want: []string{"pytest", "tests"},
		},
		{
			name:    "exact token splices",
			argv:    []string{"pytest", "{posargs}"},
			posargs: []string{"-k", "smoke"},
			want:    []string{"pytest", "-k", "smoke"},
		},
		{
			name: "placeholder vanishes without arguments",
			argv: []string{"pytest", "{posargs}"},
			want: []string{"pytest"},
		},
		{
			name: "default splits into tokens",
			argv: []string{"pytest", "{posargs:tests unit}"},
			want: []string{"pytest", "tests", "unit"},
		},
		{
			name:    "arguments win over the default",
			argv:    []string{"pytest", "{posargs:tests}"},
			posargs: []string{"-x"},
			want:    []string{"pytest", "-x"},
		},
		{
			name:    "embedded placeholder joins",
			argv:    []string{"sh", "-c", "pytest {posargs}"},
			posargs: []string{"-k", "smoke"},
			want:    []string{"sh", "-c", "pytest -k smoke"},
		},
		{
			name: "embedded default",
			argv: []string{"sh", "-c", "pytest {posargs:tests}"},
			want: []string{"sh", "-c", "pytest tests"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPosargs(tt.argv, tt.posargs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
