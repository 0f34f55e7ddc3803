// Package resolve turns the parsed configuration document into immutable
// environment specs.
//
// It implements the two-phase design: an inheritance-aware option lookup
// (target section first, default section second) followed by a pure
// substitution pass over the placeholder grammar:
//
//	{name}                 simple context lookup (rootdir, envdir, ...)
//	{env:VAR}              process environment, empty when unset
//	{env:VAR:default}      process environment with default
//	{[section]option}      cross-section reference, resolved recursively
//	{posargs}              caller pass-through tokens (expanded at spawn time)
//	{posargs:default}      pass-through tokens with default
//
// Substitution is memoized per (section, option) pair and lazy; a reference
// chain that revisits a pair on the current resolution stack is a cycle
// error carrying the full chain. Unknown names, sections, or options are
// unresolved-placeholder errors.
package resolve
