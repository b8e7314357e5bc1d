/*
Package manager is the sandbox lifecycle owner. Every state transition
of every sandbox record passes through it; the API layer validates and
delegates, the stores persist, the drivers obey.

# Lifecycle

	creating ──> starting ──> ready ──> running
	    │            │          │          │
	    ▼            ▼          ▼          ▼
	  failed       failed    expired    expired
	                            │          │
	                            └────┬─────┘
	                                 ▼
	                          shutting_down ──> stopped

A create call drives the left side synchronously: record insert,
container create and start, readiness poll against the agent's marker
file, then ready. Exec flips ready to running on first use. Destroy and
the expiry sweep drive the right side, optionally letting the
in-container agent run its shutdown sync before removal. stopped and
failed are absorbing.

# Serialization

A keyed mutex serializes all work per sandbox ID, including the
background loops, so concurrent execs produce linearizable working
directory updates and a destroy racing the expiry sweep resolves to
whichever transition lands first; the loser observes a terminal record
and reports success.

# Background Loops

Start launches two loops: reconciliation converges the registry with
the engine (dead containers settle their records in stopped with
stop_reason=error; unowned containers are logged, never killed), and
the expiry sweep gracefully destroys sandboxes whose lease has lapsed.
*/
package manager
