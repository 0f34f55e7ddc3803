// Package stores persists run history in SQLite. Every invocation appends
// one run row plus one row per environment result; the history command reads
// them back. Recording is best-effort: a store failure never fails a run.
package stores
