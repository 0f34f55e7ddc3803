// Package telemetry provides structured logging (zerolog), metrics
// (Prometheus), and distributed tracing (OpenTelemetry) for the Crucible
// engine.
//
// A Telemetry instance bundles the three concerns and travels through the
// context so any component can log with run and environment fields, record
// metrics, or open spans without explicit plumbing.
package telemetry
