/*
Package executor runs workflow graphs pulled from the execution queue.

# Traversal

Nodes run one at a time in a deterministic topological order. Trigger
nodes emit the job's trigger data; seeded outputs from a resume or
replay skip straight past their nodes. Parameters resolve against
accumulated node outputs through explicit ref objects or inline
placeholders; a reference to output that does not exist fails the run
terminally.

# Idempotency and retries

Every invocation is keyed by a request hash over the operation and its
resolved parameters. Results are cached for a day, so a redelivered job
replays completed nodes from the cache instead of calling the connector
again. Retryable failures redeliver the whole job with exponential
backoff up to the attempt limit; terminal failures record error details
and stop.

# Parking and cancellation

A callback outcome parks the execution behind a resume token and leaves
its concurrency slot reserved. Cancellation is polled between nodes;
the node in flight always completes its call.
*/
package executor
