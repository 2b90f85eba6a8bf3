/*
Package types defines the core data structures used throughout Camber.

This package contains all fundamental types that represent Camber's domain
model: organizations and memberships, workflows with their immutable
versions and environment deployments, encrypted connections, executions
with node-level telemetry, triggers, resume tokens and timers. These types
are used by all other packages for state management, API responses and
execution logic.

# Core Types

Tenancy:
  - Organization: tenant with plan limits, security settings, usage counters
  - User / Membership: identity plus per-organization role

Workflows:
  - Workflow: named container holding the current editable graph
  - WorkflowVersion: immutable snapshot; publishing is a one-way transition
  - WorkflowDeployment: binding from (workflow, environment) to a version
  - Graph / Node / Edge: the DAG a version snapshots

Execution:
  - Execution: one traversal of a graph for a trigger payload
  - NodeExecution: per-node attempt record
  - NodeExecutionResult: idempotency cache row
  - ResumeToken / WorkflowTimer: waiting-state re-entry

Ingestion:
  - WebhookTrigger / PollingTrigger: registered trigger bindings
  - WebhookDedupe / WebhookEvent: dedup tokens and receipt records

# Design Patterns

All enums use typed string constants:

	type ExecutionStatus string
	const (
	    ExecutionQueued  ExecutionStatus = "queued"
	    ExecutionRunning ExecutionStatus = "running"
	)

Optional fields use pointers (*time.Time for unset timestamps). Types are
JSON-serializable; the storage layer persists them as rows, the file-backed
connection store as JSON documents.

# Thread Safety

Types are read-safe and write-unsafe: mutations must be synchronized by
callers. The storage layer owns synchronization for persisted state.
*/
package types
