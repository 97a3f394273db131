// Package types defines the shared data model of the pipeline engine:
// runs, stage executions, attempts, artifacts, verdicts, intervention
// requests and the structured error type used across all packages.
//
// Everything here is plain data. Behavior lives in the packages that
// operate on it (runner, orchestrator, intervention).
package types
