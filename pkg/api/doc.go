/*
Package api is the REST control surface over the sandbox lifecycle
manager. Transport concerns only: authentication, request binding,
error mapping, request logging, metrics. No domain logic.

Routes:

	GET    /health                       liveness + collaborator checks
	GET    /metrics                      Prometheus
	POST   /sandboxes                    create
	GET    /sandboxes                    list (caller scoped)
	GET    /sandboxes/{id}               fetch
	POST   /sandboxes/{id}/exec          run a command
	POST   /sandboxes/{id}/heartbeat     renew the lease
	POST   /sandboxes/{id}/complete      record agent completion
	POST   /sandboxes/{id}/error         record agent error
	DELETE /sandboxes/{id}?graceful=     destroy
	GET    /storage/stats                per-tier object totals
	DELETE /storage?tier=                wipe a storage tier

The same routes are also served under the /api/v1 prefix for callers
that version their base URL.

Authentication is a shared-secret API key in a configurable header
(default X-API-Key), compared in constant time. A missing key is 401, a
wrong key 403; an empty configured key accepts everything and is meant
for local development only. The X-User-ID header names the tenant a
scoped call acts for.

Errors cross the wire as

	{"error": {"kind": "...", "message": "...", "correlation_id": "..."}}

with kinds taken verbatim from pkg/errdefs. Internal errors hide their
message and carry a correlation ID that is also logged server side.
*/
package api
