package resolve

import (
	"fmt"
	"os"
	"strings"

	"github.com/crucible-run/crucible/pkg/config"
	"github.com/crucible-run/crucible/pkg/engine"
)

// subster performs placeholder substitution for one environment resolution.
// It carries the per-environment context values, the memoization table, and
// the resolution stack used for cycle detection.
type subster struct {
	doc    *config.Document
	base   map[string]string
	getenv func(string) (string, bool)

	memo  map[string]string
	stack []string
}

func newSubster(doc *config.Document, base map[string]string) *subster {
	return &subster{
		doc:    doc,
		base:   base,
		getenv: os.LookupEnv,
		memo:   make(map[string]string),
	}
}

// expandOption resolves the option as defined by the named section,
// recording it on the resolution stack. This is the entry point for both
// top-level option resolution and {[section]option} references, so both
// share the memo table and cycle detection.
func (s *subster) expandOption(section, option string) (string, error) {
	key := fmt.Sprintf("[%s]%s", section, option)

	if v, ok := s.memo[key]; ok {
		return v, nil
	}
	for _, frame := range s.stack {
		if frame == key {
			chain := append(append([]string{}, s.stack...), key)
			return "", engine.NewConfigError("substitution cycle", nil).WithChain(chain)
		}
	}

	sec := s.doc.Section(section)
	if sec == nil {
		return "", engine.NewConfigError(
			fmt.Sprintf("unresolved placeholder: unknown section [%s]", section), nil)
	}
	if !sec.Has(option) {
		return "", engine.NewConfigError(
			fmt.Sprintf("unresolved placeholder: no option %q in section [%s]", option, section), nil)
	}

	s.stack = append(s.stack, key)
	resolved, err := s.expand(sec.Value(option))
	s.stack = s.stack[:len(s.stack)-1]
	if err != nil {
		return "", err
	}

	s.memo[key] = resolved
	return resolved, nil
}

// expand resolves every placeholder in a raw value. {{ and }} escape
// literal braces. Pass-through placeholders ({posargs}, {packages}) are
// re-emitted with their defaults resolved; they are runtime-only and
// expanded token-wise at spawn time.
func (s *subster) expand(raw string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(raw) {
		c := raw[i]
		switch {
		case c == '{' && i+1 < len(raw) && raw[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(raw) && raw[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case c == '{':
			end, err := matchBrace(raw, i)
			if err != nil {
				return "", err
			}
			repl, err := s.placeholder(raw[i+1 : end])
			if err != nil {
				return "", err
			}
			b.WriteString(repl)
			i = end + 1
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// matchBrace returns the index of the brace closing the one at open.
// Placeholders nest through their default parts, e.g. {posargs:{rootdir}}.
func matchBrace(raw string, open int) (int, error) {
	depth := 0
	for i := open; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, engine.NewConfigError(
		fmt.Sprintf("unbalanced braces in value %q", raw), nil)
}

// placeholder resolves the body of one {...} token.
func (s *subster) placeholder(body string) (string, error) {
	switch {
	case body == "posargs" || strings.HasPrefix(body, "posargs:"):
		return s.passthrough("posargs", body)

	case body == "packages":
		return "{packages}", nil

	case strings.HasPrefix(body, "env:"):
		parts := strings.SplitN(body, ":", 3)
		name := parts[1]
		if name == "" {
			return "", engine.NewConfigError("unresolved placeholder: empty env variable name", nil)
		}
		if v, ok := s.getenv(name); ok {
			return v, nil
		}
		if len(parts) == 3 {
			return s.expand(parts[2])
		}
		return "", nil

	case strings.HasPrefix(body, "["):
		end := strings.IndexByte(body, ']')
		if end < 0 {
			return "", engine.NewConfigError(
				fmt.Sprintf("unresolved placeholder: malformed reference {%s}", body), nil)
		}
		section := body[1:end]
		option := body[end+1:]
		if section == "" || option == "" {
			return "", engine.NewConfigError(
				fmt.Sprintf("unresolved placeholder: malformed reference {%s}", body), nil)
		}
		return s.expandOption(section, option)

	default:
		if v, ok := s.base[body]; ok {
			return v, nil
		}
		return "", engine.NewConfigError(
			fmt.Sprintf("unresolved placeholder: unknown name %q", body), nil)
	}
}

// passthrough re-emits a runtime-only placeholder with its default part
// resolved now, so the executor can expand it without a document context.
func (s *subster) passthrough(name, body string) (string, error) {
	if body == name {
		return "{" + name + "}", nil
	}
	def, err := s.expand(body[len(name)+1:])
	if err != nil {
		return "", err
	}
	return "{" + name + ":" + def + "}", nil
}
