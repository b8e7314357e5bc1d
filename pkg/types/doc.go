/*
Package types defines the core data structures of the sandbox control plane.

This package contains the domain model shared by every other package: the
sandbox record, its lifecycle states and legal transitions, stop reasons,
exec request/result shapes, and the in-container protocol constants
(environment variable names, readiness marker, tier paths).

# Lifecycle

A sandbox moves through a fixed state machine:

	creating ──▶ starting ──▶ ready ──▶ running
	    │            │          │  ▲       │
	    ▼            ▼          │  └───────┤ (first exec)
	  failed       failed       │          │
	                            ▼          ▼
	                         expired ──▶ shutting_down ──▶ stopped

stopped and failed are absorbing: once a sandbox reaches either, its
status never changes again. ValidTransition is the single source of
truth for legal edges; the lifecycle manager refuses everything else.

# Record Invariants

  - IDs are unique and never reused (sbx-<12 hex>, minted by NewSandboxID)
  - ContainerID, once set, is never reassigned to a different container
  - UpdatedAt is monotonically non-decreasing across mutations
  - ExpiresAt only ever moves forward (heartbeats renew, never shorten)

# In-Container Protocol

The driver injects SANDBOX_ID, USER_ID, S3_BUCKET, S3_REGION, HOT_PATH,
COLD_PATH and SHUTDOWN_TIMEOUT_SECONDS into every sandbox container. The
agent inside the image syncs the hot tier down, mounts the cold tier, and
then writes ReadyMarkerPath; the control plane polls for that marker to
decide readiness. On SIGTERM the agent removes the marker first, so
readiness probes fail during teardown.
*/
package types
