/*
Package resume re-enters parked executions.

# Tokens

A callback node parks its execution behind a single-use token: 32 random
bytes, base64url encoded, handed out with an HMAC-SHA256 signature keyed
on the process JWT secret. Storage keeps only the token's SHA-256 hash.
Redemption verifies the signature in constant time before touching the
database, then consumes the token under a conditional update. All
rejections share one message so a caller cannot probe token state.

# Timers

Waits with a deadline also write a workflow timer. The timer dispatcher
claims due timers atomically and resumes their executions through the
queue; a claim that fails to enqueue is marked failed rather than
retried forever.
*/
package resume
