package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/crucible-run/crucible/pkg/engine"
)

const (
	// DefaultFile is the configuration file name looked up in the working
	// directory when no explicit path is given.
	DefaultFile = "crucible.ini"

	// GlobalSection holds engine-wide settings.
	GlobalSection = "crucible"

	// DefaultSection is the inheritance base for environment sections.
	DefaultSection = "env"

	// EnvSectionPrefix introduces one named environment section.
	EnvSectionPrefix = "env:"
)

// Section is one ordered section of the document. Option values are raw:
// placeholders are untouched and multi-line list values keep their newlines.
type Section struct {
	// Name is the section name as written, e.g. "env:py311".
	Name string

	keys   []string
	values map[string]string
}

// Keys returns the option keys in declaration order.
func (s *Section) Keys() []string {
	return s.keys
}

// Has reports whether the section defines the option key.
func (s *Section) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Value returns the raw option value, or the empty string when absent.
func (s *Section) Value(key string) string {
	return s.values[key]
}

// Lines splits a raw multi-line option value into its non-empty lines.
func Lines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Document is the parsed configuration: the global section, the default
// environment section, and every named environment section, in declaration
// order. Section names are unique by construction.
type Document struct {
	// Path is the absolute path of the configuration file.
	Path string

	// Root is the directory holding the configuration file.
	Root string

	// Global holds the validated engine-wide settings.
	Global GlobalConfig

	sections []*Section
	byName   map[string]*Section
}

// Section returns the named section, or nil when absent.
func (d *Document) Section(name string) *Section {
	return d.byName[name]
}

// Default returns the default environment section, or nil when absent.
func (d *Document) Default() *Section {
	return d.byName[DefaultSection]
}

// EnvNames returns every declared environment name in declaration order.
func (d *Document) EnvNames() []string {
	var names []string
	for _, s := range d.sections {
		if strings.HasPrefix(s.Name, EnvSectionPrefix) {
			names = append(names, strings.TrimPrefix(s.Name, EnvSectionPrefix))
		}
	}
	return names
}

// EnvSection returns the section for one named environment, or nil when the
// environment is not declared.
func (d *Document) EnvSection(env string) *Section {
	return d.byName[EnvSectionPrefix+env]
}

// Load reads and parses the configuration document at path.
func Load(path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("cannot resolve config path %q", path), err)
	}

	file, err := ini.LoadSources(loadOptions(), abs)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("cannot parse %q", path), err)
	}

	return fromFile(file, abs)
}

// Parse parses a configuration document from an in-memory source. The path
// is used for root-directory resolution and error messages only.
func Parse(source []byte, path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("cannot resolve config path %q", path), err)
	}

	file, err := ini.LoadSources(loadOptions(), source)
	if err != nil {
		return nil, engine.NewConfigError("cannot parse configuration", err)
	}

	return fromFile(file, abs)
}

// loadOptions is the shared ini.v1 parser configuration. AllowShadows keeps
// every occurrence of a duplicated key instead of last-wins.
func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		AllowPythonMultilineValues: true,
		SpaceBeforeInlineComment:   true,
		AllowShadows:               true,
	}
}

func fromFile(file *ini.File, abs string) (*Document, error) {
	doc := &Document{
		Path:   abs,
		Root:   filepath.Dir(abs),
		byName: make(map[string]*Section),
	}

	for _, name := range file.SectionStrings() {
		if name == ini.DefaultSection {
			// Top-level keys outside any [section] are not part of the
			// format; ini.v1 collects them here.
			if len(file.Section(name).Keys()) > 0 {
				return nil, engine.NewConfigError("options outside a [section] are not allowed", nil)
			}
			continue
		}

		src := file.Section(name)
		sec := &Section{
			Name:   name,
			values: make(map[string]string, len(src.Keys())),
		}
		for _, key := range src.KeyStrings() {
			sec.keys = append(sec.keys, key)
			// A key declared more than once is list-valued: the occurrences
			// join into one multi-line value, in declaration order.
			sec.values[key] = strings.Join(src.Key(key).ValueWithShadows(), "\n")
		}

		doc.sections = append(doc.sections, sec)
		doc.byName[name] = sec
	}

	global, err := parseGlobal(doc)
	if err != nil {
		return nil, err
	}
	doc.Global = *global

	return doc, nil
}
