/*
Package metrics provides Prometheus metrics and component health tracking.

Metrics are registered at package init on the default registry and exposed
through Handler for scraping. Counters and histograms cover executions,
node attempts, queue operations, admission decisions, trigger ingestion,
timers, resume tokens, API requests, and crypto key fallbacks.

The health checker tracks per-component liveness. GetHealth aggregates all
registered components; GetReadiness waits on the configured critical set
and reports not_ready until every one is healthy. HTTP handlers for both
are provided for the supervisor's health endpoints.
*/
package metrics
