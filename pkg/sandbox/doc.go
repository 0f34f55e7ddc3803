// Package sandbox owns the only long-lived mutable state of the engine:
// the per-environment sandbox directories under the working area.
//
// A sandbox is valid for execution only while the fingerprint persisted at
// its well-known marker path equals the fingerprint computed from the
// current environment spec. The manager reuses matching sandboxes, rebuilds
// on mismatch or forced recreate, and clears the marker on any installer
// failure so a crash mid-install never leaves a sandbox marked valid.
package sandbox
