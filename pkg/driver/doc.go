// Package driver abstracts the container engine behind a small
// interface so the lifecycle manager never talks to an engine SDK
// directly.
//
// Two real engines are supported:
//
//	┌────────────┐     Create/Start/Exec/Stop/Remove      ┌─────────┐
//	│  manager   │ ─────────────────────────────────────> │ docker  │
//	└────────────┘                                        └─────────┘
//	      │                                               ┌───────────┐
//	      └─────────────────────────────────────────────> │containerd │
//	                       (no exec support)              └───────────┘
//
// The docker driver is the primary one and the only driver with exec
// support. Exec wraps the user command in bash so that the shell's
// final working directory is printed on a marker line after the user
// command exits; the driver strips the marker from stdout and reports
// the directory in ExecResult.WorkingDir.
//
// Error conventions all drivers follow:
//
//   - Inspect of an unknown container returns errdefs.ErrNotFound
//   - Exec against a container that is not running returns
//     errdefs.ErrInvalidState
//   - Stop and Remove of an unknown container succeed
//   - exceeding an exec deadline returns errdefs.ErrTimeout
//
// FakeDriver is the in-memory implementation used by manager, api and
// end-to-end tests.
package driver
