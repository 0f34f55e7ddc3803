package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/crucible-run/crucible/pkg/engine"
)

// DefaultWorkdir is the sandbox root area, relative to the configuration
// file, used when the global section does not override it.
const DefaultWorkdir = ".crucible"

// GlobalConfig is the validated [crucible] section.
type GlobalConfig struct {
	// Envlist is the default environment list for invocations that do not
	// name environments explicitly.
	Envlist []string `validate:"dive,required"`

	// Workdir is the absolute sandbox root area.
	Workdir string `validate:"required,dir|filepath"`

	// MinVersion is the minimum engine version the document expects.
	MinVersion string

	// SkipMissingInterpreters downgrades an unavailable interpreter from an
	// environment failure to a skipped outcome.
	SkipMissingInterpreters bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// SplitList splits a whitespace- or comma-separated option value.
func SplitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseGlobal(doc *Document) (*GlobalConfig, error) {
	cfg := &GlobalConfig{
		Workdir: filepath.Join(doc.Root, DefaultWorkdir),
	}

	if sec := doc.Section(GlobalSection); sec != nil {
		if sec.Has("envlist") {
			cfg.Envlist = SplitList(sec.Value("envlist"))
		}
		if sec.Has("workdir") {
			wd := sec.Value("workdir")
			if !filepath.IsAbs(wd) {
				wd = filepath.Join(doc.Root, wd)
			}
			cfg.Workdir = wd
		}
		if sec.Has("minversion") {
			cfg.MinVersion = strings.TrimSpace(sec.Value("minversion"))
		}
		if sec.Has("skip_missing_interpreters") {
			raw := strings.TrimSpace(sec.Value("skip_missing_interpreters"))
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, engine.NewConfigError(
					fmt.Sprintf("skip_missing_interpreters: invalid boolean %q", raw), err)
			}
			cfg.SkipMissingInterpreters = b
		}
	}

	for _, name := range cfg.Envlist {
		if doc.EnvSection(name) == nil {
			return nil, engine.NewConfigError(
				"envlist names undeclared environment "+name, nil)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, engine.NewConfigError("invalid global configuration", err)
	}

	return cfg, nil
}
