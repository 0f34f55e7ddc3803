// Package executor runs an environment's resolved command list against a
// valid sandbox.
//
// For every command it expands the runtime-only pass-through placeholder,
// assembles a reproducible process environment (sandbox activation
// variables, explicit setenv assignments, and the passenv allow-list of
// inherited variables; everything else is dropped), enforces the
// external-command whitelist before spawning, and fails fast on the first
// non-zero exit.
package executor
