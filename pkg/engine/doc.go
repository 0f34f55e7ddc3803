// Package engine provides the core types and the orchestrator for Crucible.
// It defines the resolution-and-execution pipeline: Document -> EnvSpec ->
// Sandbox -> Commands -> Aggregate, and the error taxonomy shared by every
// stage of that pipeline.
//
// The orchestrator runs each requested environment through the Resolver,
// SandboxManager, and CommandRunner interfaces. Environments execute
// independently: a failure in one never aborts a sibling, and the aggregate
// report always lists environments in requested order regardless of
// completion order.
package engine
