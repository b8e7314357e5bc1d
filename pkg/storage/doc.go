/*
Package storage persists sandbox registry records.

The registry is the source of truth for sandbox state. The container
engine is only ever queried and reconciled against it, never trusted to
push state. Three backends implement the same Store interface:

	┌────────────────────────────────────────────────────┐
	│                    Store interface                  │
	│   Save / Get / List / Update / Delete / ListExpired │
	└──────────┬──────────────┬──────────────┬───────────┘
	           │              │              │
	           ▼              ▼              ▼
	   ┌───────────┐   ┌───────────┐   ┌────────────┐
	   │  memory   │   │   bolt    │   │  postgres  │
	   │ map+mutex │   │ bbolt db  │   │ pgx + sqlx │
	   └───────────┘   └───────────┘   └────────────┘

	memory    dev and tests; records die with the process
	bolt      single-binary durability; one file on disk
	postgres  shared database; survives host replacement

# Concurrency Control

Update uses optimistic concurrency: the caller submits a record whose
UpdatedAt must equal the stored stamp. A mismatch means another writer
got there first and the call fails with errdefs.ErrConflict, leaving the
stored record untouched. On success the store stamps a strictly later
UpdatedAt onto the caller's record, so UpdatedAt is monotonic per
sandbox and doubles as the concurrency token.

Within one control-plane process the lifecycle manager already
serializes writers per sandbox, so conflicts there indicate a bug. With
the postgres backend, conflicts also arise between processes and are
expected during failover; callers reload and retry.

# Error Mapping

	Save on existing ID        errdefs.ErrConflict
	Get/Update on missing ID   errdefs.ErrNotFound
	stale Update               errdefs.ErrConflict
	Delete on missing ID       nil (idempotent)

# Expiry Scans

ListExpired(now) returns only active records (ready or running) whose
expires_at has lapsed. Terminal and in-flight records never appear, so
the expiry loop can destroy everything the call returns without
re-checking status. The postgres backend serves this from the
expires_at index.
*/
package storage
