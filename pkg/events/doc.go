/*
Package events provides an in-memory event broker for platform pub/sub
messaging.

The broker broadcasts execution lifecycle events (queued, started,
waiting, completed, failed, cancelled) plus webhook, deployment, and
connection events to interested subscribers. Publishing never blocks; a
subscriber whose buffer is full misses the event rather than stalling
the publisher, so the broker is a notification surface, not a durable
log. Cross-process coordination stays on the database and the queue.
*/
package events
