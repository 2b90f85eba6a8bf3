/*
Package triggers ingests external events and turns them into execution
jobs.

# Webhooks

The receiver owns registered webhook bindings. Registration yields a
stable sixteen-character endpoint id; bindings are persisted, and the
in-memory map is only a cache rebuilt at startup. Each delivery is
verified against the provider's signature contract using the raw body,
deduped against a bounded per-webhook token window backed by the
database dedup table, and dispatched. Verification failures are
recorded with a reason code but answered with a constant 401 body so
callers cannot probe whether a secret is configured.

# Polling

The scheduler arms one timer per active polling trigger. A poll calls
the connector with the stored cursor, dedupes the returned events, and
enqueues an execution per new event. The cursor advances only after the
whole batch is enqueued. Failing triggers back off exponentially,
capped at 64x the base interval, with jitter to spread retries.
*/
package triggers
