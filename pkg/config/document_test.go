package config

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/crucible-run/crucible/pkg/engine"
)

const sampleDocument = `
[crucible]
envlist = py311, lint
workdir = .crucible
minversion = 1.0

[env]
deps =
    pytest
    coverage
commands =
    pytest {posargs}

[env:py311]
description = unit tests

[env:lint]
deps =
    flake8
commands =
    flake8 src
`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument), "/project/crucible.ini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Path != "/project/crucible.ini" {
		t.Errorf("expected path /project/crucible.ini, got %s", doc.Path)
	}
	if doc.Root != "/project" {
		t.Errorf("expected root /project, got %s", doc.Root)
	}

	wantNames := []string{"py311", "lint"}
	if !reflect.DeepEqual(doc.EnvNames(), wantNames) {
		t.Errorf("expected env names %v, got %v", wantNames, doc.EnvNames())
	}

	if doc.Default() == nil {
		t.Fatal("expected a default section")
	}
	if !doc.Default().Has("deps") {
		t.Error("expected deps in the default section")
	}

	sec := doc.EnvSection("py311")
	if sec == nil {
		t.Fatal("expected section for py311")
	}
	if got := sec.Value("description"); got != "unit tests" {
		t.Errorf("expected description 'unit tests', got %q", got)
	}
	if sec.Has("deps") {
		t.Error("py311 should not define deps itself")
	}

	if doc.EnvSection("missing") != nil {
		t.Error("expected nil section for undeclared environment")
	}
}

func TestParse_MultilineValues(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument), "/project/crucible.ini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deps := Lines(doc.Default().Value("deps"))
	want := []string{"pytest", "coverage"}
	if !reflect.DeepEqual(deps, want) {
		t.Errorf("expected deps %v, got %v", want, deps)
	}
}

func TestParse_RepeatedKeys(t *testing.T) {
	doc, err := Parse([]byte(`
[env:a]
deps = one
deps = two
commands = true
`), "/project/crucible.ini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sec := doc.EnvSection("a")
	deps := Lines(sec.Value("deps"))
	want := []string{"one", "two"}
	if !reflect.DeepEqual(deps, want) {
		t.Errorf("expected both occurrences in order %v, got %v", want, deps)
	}

	// The key still appears once in declaration order.
	wantKeys := []string{"deps", "commands"}
	if !reflect.DeepEqual(sec.Keys(), wantKeys) {
		t.Errorf("expected keys %v, got %v", wantKeys, sec.Keys())
	}
}

func TestParse_Global(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Document)
	}{
		{
			name:    "envlist and relative workdir",
			content: sampleDocument,
			checkFunc: func(t *testing.T, doc *Document) {
				want := []string{"py311", "lint"}
				if !reflect.DeepEqual(doc.Global.Envlist, want) {
					t.Errorf("expected envlist %v, got %v", want, doc.Global.Envlist)
				}
				if doc.Global.Workdir != "/project/.crucible" {
					t.Errorf("expected workdir /project/.crucible, got %s", doc.Global.Workdir)
				}
				if doc.Global.MinVersion != "1.0" {
					t.Errorf("expected minversion 1.0, got %s", doc.Global.MinVersion)
				}
			},
		},
		{
			name: "workdir defaults next to the document",
			content: `
[env:a]
commands = true
`,
			checkFunc: func(t *testing.T, doc *Document) {
				want := filepath.Join("/project", DefaultWorkdir)
				if doc.Global.Workdir != want {
					t.Errorf("expected workdir %s, got %s", want, doc.Global.Workdir)
				}
			},
		},
		{
			name: "absolute workdir kept as-is",
			content: `
[crucible]
workdir = /var/tmp/sandboxes

[env:a]
commands = true
`,
			checkFunc: func(t *testing.T, doc *Document) {
				if doc.Global.Workdir != "/var/tmp/sandboxes" {
					t.Errorf("expected workdir /var/tmp/sandboxes, got %s", doc.Global.Workdir)
				}
			},
		},
		{
			name: "skip_missing_interpreters opt-in",
			content: `
[crucible]
skip_missing_interpreters = true

[env:a]
commands = true
`,
			checkFunc: func(t *testing.T, doc *Document) {
				if !doc.Global.SkipMissingInterpreters {
					t.Error("expected skip_missing_interpreters to be set")
				}
			},
		},
		{
			name: "skip_missing_interpreters rejects non-boolean",
			content: `
[crucible]
skip_missing_interpreters = maybe

[env:a]
commands = true
`,
			wantErr: true,
		},
		{
			name: "envlist naming an undeclared environment",
			content: `
[crucible]
envlist = ghost

[env:a]
commands = true
`,
			wantErr: true,
		},
		{
			name: "options outside a section",
			content: `
envlist = a

[env:a]
commands = true
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.content), "/project/crucible.ini")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if !engine.IsConfig(err) {
					t.Errorf("expected a config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, doc)
			}
		})
	}
}

func TestLines(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "single", raw: "pytest", want: []string{"pytest"}},
		{name: "leading newline", raw: "\npytest\ncoverage", want: []string{"pytest", "coverage"}},
		{name: "blank lines dropped", raw: "a\n\n  \nb", want: []string{"a", "b"}},
		{name: "surrounding space trimmed", raw: "  a  \n\tb", want: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Lines(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "commas", raw: "a,b,c", want: []string{"a", "b", "c"}},
		{name: "whitespace", raw: "a b\tc", want: []string{"a", "b", "c"}},
		{name: "mixed with empties", raw: " a, ,b ", want: []string{"a", "b"}},
		{name: "empty", raw: "", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitList(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}
