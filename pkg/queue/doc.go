/*
Package queue provides the execution job queue and dispatcher.

# Drivers

The durable driver runs on Redis: a ready list consumed with BLMOVE into a
processing list, a sorted set for delayed delivery, and per-job visibility
deadlines. A housekeeping loop promotes due delayed jobs and returns
deliveries whose consumer missed the ack deadline, giving at-least-once
semantics across worker crashes.

The in-memory driver exists for tests only and is refused by the
supervisor in the production stack. The mock-durable variant shares its
implementation but answers health checks as durable for smoke tests.

# Dispatch

The dispatcher is the single entry point for new executions. It runs the
admission check synchronously, persists the execution row (rate_limited
when rejected, queued when admitted), and writes the job. Execution ids
are preserved across re-enqueue so redeliveries stay idempotent. Resume
re-entries skip admission; the parked execution still holds its
concurrency slot.
*/
package queue
