/*
Package connections manages encrypted third-party credentials.

# Architecture

Credential documents are envelope-encrypted through the crypto key service
before they touch any store; plaintext exists only in memory during an
operation. The Service exposes the full credential lifecycle: create, get,
list, update, soft delete, probe, masked export, import, and OAuth upsert
keyed by (user, provider).

Two persistence backends implement the Persistence interface. Production
uses the Postgres store. Development machines may opt into a bbolt file
store; construction refuses to run in production and requires the explicit
ALLOW_FILE_CONNECTION_STORE opt-in. Both paths share the same encryption.

# Auditing

Every credential read, write, and delete appends a SecretAccess audit
event. Audit failures are logged, never fatal.

# Scoped Tokens

Short-TTL single-use bearers for step-scoped access. The raw token is
returned exactly once at issue time; the store keeps only its SHA-256.
Consumption is a single atomic update, so concurrent consumers see exactly
one winner.
*/
package connections
