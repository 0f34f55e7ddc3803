package resolve

import (
	"errors"
	"strings"
	"testing"

	"github.com/crucible-run/crucible/pkg/config"
	"github.com/crucible-run/crucible/pkg/engine"
)

func testSubster(t *testing.T, document string) *subster {
	t.Helper()
	doc, err := config.Parse([]byte(document), "/project/crucible.ini")
	if err != nil {
		t.Fatalf("failed to parse document: %v", err)
	}
	sub := newSubster(doc, map[string]string{
		"rootdir":     "/project",
		"workdir":     "/project/.crucible",
		"envname":     "py311",
		"envdir":      "/project/.crucible/py311",
		"envbindir":   "/project/.crucible/py311/bin",
		"interpreter": "python3.11",
	})
	sub.getenv = func(string) (string, bool) { return "", false }
	return sub
}

func TestSubster_Expand(t *testing.T) {
	env := map[string]string{"CI": "true", "EMPTY": ""}

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "no placeholders", raw: "pytest tests", want: "pytest tests"},
		{name: "context name", raw: "{envdir}/log", want: "/project/.crucible/py311/log"},
		{name: "two context names", raw: "{rootdir}:{envname}", want: "/project:py311"},
		{name: "interpreter", raw: "{interpreter} -m pip", want: "python3.11 -m pip"},
		{name: "brace escapes", raw: "{{literal}}", want: "{literal}"},
		{name: "escape adjacent to placeholder", raw: "{{{envname}}}", want: "{py311}"},
		{name: "env variable set", raw: "{env:CI}", want: "true"},
		{name: "env variable empty but set wins over default", raw: "{env:EMPTY:fallback}", want: ""},
		{name: "env variable unset with default", raw: "{env:MISSING:fallback}", want: "fallback"},
		{name: "env variable unset without default", raw: "{env:MISSING}", want: ""},
		{name: "env default may substitute", raw: "{env:MISSING:{rootdir}/x}", want: "/project/x"},
		{name: "posargs preserved", raw: "pytest {posargs}", want: "pytest {posargs}"},
		{name: "posargs default resolved now", raw: "{posargs:{rootdir}/tests}", want: "{posargs:/project/tests}"},
		{name: "packages preserved", raw: "pip install {packages}", want: "pip install {packages}"},
		{name: "unknown name", raw: "{bogus}", wantErr: true},
		{name: "empty env name", raw: "{env:}", wantErr: true},
		{name: "unbalanced brace", raw: "{envname", wantErr: true},
		{name: "malformed section reference", raw: "{[env}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := testSubster(t, "[env:py311]\ncommands = true\n")
			sub.getenv = func(name string) (string, bool) {
				v, ok := env[name]
				return v, ok
			}

			got, err := sub.expand(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if !engine.IsConfig(err) {
					t.Errorf("expected a config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSubster_CrossSection(t *testing.T) {
	sub := testSubster(t, `
[env]
commands = pytest {posargs}

[env:py311]
commands = {[env]commands} --cov
`)

	got, err := sub.expandOption("env:py311", "commands")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "pytest {posargs} --cov" {
		t.Errorf("expected composed commands, got %q", got)
	}
}

func TestSubster_CrossSectionErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{name: "unknown section", raw: "{[env:ghost]commands}", wantMsg: "unknown section"},
		{name: "unknown option", raw: "{[env:py311]bogus}", wantMsg: "no option"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := testSubster(t, "[env:py311]\ncommands = true\n")
			_, err := sub.expand(tt.raw)
			if err == nil {
				t.Fatal("expected error, got none")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected message containing %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestSubster_Cycle(t *testing.T) {
	sub := testSubster(t, `
[env:py311]
commands = {[env:py311]setenv}
setenv = {[env:py311]commands}
`)

	_, err := sub.expandOption("env:py311", "commands")
	if err == nil {
		t.Fatal("expected cycle error, got none")
	}

	var cerr *engine.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a classified error, got %T", err)
	}
	if cerr.Kind != engine.KindConfig {
		t.Errorf("expected config kind, got %s", cerr.Kind)
	}
	if len(cerr.Chain) != 3 {
		t.Fatalf("expected a three-frame chain, got %v", cerr.Chain)
	}
	if cerr.Chain[0] != "[env:py311]commands" || cerr.Chain[2] != "[env:py311]commands" {
		t.Errorf("expected the chain to start and end at the same option, got %v", cerr.Chain)
	}
	if !strings.Contains(err.Error(), "[env:py311]commands -> [env:py311]setenv -> [env:py311]commands") {
		t.Errorf("expected the full chain in the message, got %q", err.Error())
	}
}

func TestSubster_Memoization(t *testing.T) {
	sub := testSubster(t, `
[env]
base = {envname}

[env:py311]
commands = {[env]base} {[env]base}
`)

	if _, err := sub.expandOption("env:py311", "commands"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sub.memo["[env]base"]; !ok {
		t.Error("expected the referenced option to be memoized")
	}
	if _, ok := sub.memo["[env:py311]commands"]; !ok {
		t.Error("expected the entry option to be memoized")
	}
}
