/*
Package supervisor assembles the process.

The App container constructs every service once and passes it down, so
there is no module-level state to coordinate. Two roles share the same
container:

  - server: HTTP API, webhook receiver, polling scheduler, maintenance
    sweeper, and the event broker.
  - worker: queue consumers driving the executor, plus the timer
    dispatcher.

A process may run either role or both. Startup verifies the database
and the queue before any component accepts work; in production a
non-durable queue refuses to start. Shutdown stops components in
reverse dependency order so in-flight work drains before its
dependencies go away.
*/
package supervisor
