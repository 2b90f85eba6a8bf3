/*
Package crypto provides Camber's envelope encryption and token primitives.

# Architecture

Credential blobs are encrypted with AES-256-GCM under a per-operation data
key. Key material resolves from three sources, in precedence order:

 1. KMS-generated data keys wrapped by the active key record's KEK
 2. a 32-byte derived key stored base64 on the key record
 3. a process legacy key derived from ENCRYPTION_MASTER_KEY via scrypt

Decryption resolves in the same order, falling back to the legacy key with a
WARN log when record-based paths cannot serve. Key metadata is cached for
five minutes (refreshes collapsed through singleflight); unwrapped data-key
plaintext is cached for sixty seconds keyed by record and ciphertext.

The package also provides scrypt password hashing, JWT issue/verify for the
API, and the HKDF-derived, purpose-scoped Apps Script secret tokens.

# Failure Semantics

Key material decode failures skip the key and are logged. Transient KMS
failures fall back to the stored derived key when present. When no path
works the operation fails with ErrKeyUnavailable; the service keeps serving
other requests.
*/
package crypto
