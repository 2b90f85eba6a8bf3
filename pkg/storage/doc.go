/*
Package storage provides Camber's persistence layer.

# Architecture

All tenant-scoped state flows through the Store interface: organizations,
workflows and their append-only versions, deployments, encrypted
connections, executions and node attempts, resume tokens, timers, trigger
registrations, admission counters, and audit trails.

Two implementations exist. PostgresStore is the production store, built on
sqlx over the pgx driver with JSONB columns for graph and result payloads.
MemoryStore backs tests and honors the same atomicity contracts under a
single mutex.

# Concurrency Contracts

The interface encodes the operations whose atomicity matters:

  - Admit performs a check-and-increment of the per-organization counters
    under a row lock, with fixed sixty-second window rollover.
  - ConsumeResumeToken and ConsumeScopedToken are conditional single-use
    updates; concurrent consumers see exactly one winner.
  - ClaimDueTimers marks due pending timers dispatched under SKIP LOCKED
    semantics, so concurrent dispatchers never double-fire.
  - CreateDeployment deactivates the previous active row for the same
    workflow and environment in the same transaction.
  - InsertWebhookDedupe surfaces uniqueness conflicts as ErrDedupeConflict
    so the ingress can mark duplicates without racing.

# Migrations

Schema migrations are applied through goose from a directory maintained by
the deployment tooling. The store exposes Migrate and MigrationStatus; it
does not own the migration files.
*/
package storage
