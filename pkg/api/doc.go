/*
Package api exposes the platform over HTTP.

The server mounts three surfaces on one chi router:

  - Ingestion: webhook ingress and resume callbacks. These are
    authenticated by provider signatures and token signatures, never by
    JWT, and always answer with a constant error shape.
  - Control: workflow versioning, promotions, executions, connections,
    and organization usage. Every control route requires a bearer JWT
    and is scoped to the organization in the token claims.
  - Operations: health, readiness, queue heartbeat, Prometheus metrics,
    and a server-sent event stream of lifecycle events.

Handlers translate between HTTP and the domain services; they hold no
business logic of their own. Errors are classified upstream and mapped
to status codes here.
*/
package api
