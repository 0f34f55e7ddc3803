package sandbox

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/crucible-run/crucible/pkg/engine"
)

// MarkerFile is the fingerprint marker path relative to the sandbox root.
const MarkerFile = ".fingerprint"

// Fingerprint hashes the interpreter selector and the ordered dependency
// specifiers of a spec. Equal fingerprints mean the sandbox contents can be
// reused as-is.
func Fingerprint(spec *engine.EnvSpec) string {
	h := blake3.New()
	_, _ = io.WriteString(h, spec.Interpreter)
	_, _ = io.WriteString(h, "\x00")
	for _, dep := range spec.Deps {
		_, _ = io.WriteString(h, dep.Specifier())
		_, _ = io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// readMarker returns the persisted fingerprint, or the empty string when
// the sandbox has none (missing, unreadable, or cleared).
func readMarker(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// writeMarker persists the fingerprint atomically (write-temp-then-rename)
// so a crash mid-write never leaves a sandbox marked valid.
func writeMarker(dir, fingerprint string) error {
	marker := filepath.Join(dir, MarkerFile)
	tmp := marker + ".tmp"
	if err := os.WriteFile(tmp, []byte(fingerprint+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, marker)
}

// clearMarker marks the sandbox invalid.
func clearMarker(dir string) {
	_ = os.Remove(filepath.Join(dir, MarkerFile))
}
