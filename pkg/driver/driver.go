package driver

import (
	"context"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// CreateSpec describes the container to create for a sandbox. Label and
// environment composition belongs to the caller; the driver passes both
// through untouched.
type CreateSpec struct {
	Name        string
	Image       string
	Env         []string
	Labels      map[string]string
	NanoCPUs    int64
	MemoryBytes int64

	// EnableFUSE grants SYS_ADMIN and maps /dev/fuse so the agent can
	// mount the cold tier.
	EnableFUSE bool
}

// Status is a point-in-time view of a container.
type Status struct {
	State     string
	Running   bool
	ExitCode  int
	StartedAt time.Time
}

// ContainerInfo is a summary row from ListByLabel.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// Driver abstracts the container engine. Implementations: docker
// (primary), containerd (secondary), Fake (tests).
type Driver interface {
	// Create creates the container and returns the engine container ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, containerID string) error

	// Inspect returns container status, or errdefs.ErrNotFound when the
	// engine no longer knows the container.
	Inspect(ctx context.Context, containerID string) (Status, error)

	// Exec runs a shell command inside a running container. The driver
	// re-inspects first and returns errdefs.ErrInvalidState when the
	// container is not running; a lapsed req.Timeout yields
	// errdefs.ErrTimeout.
	Exec(ctx context.Context, containerID string, req types.ExecRequest) (*types.ExecResult, error)

	// Stop stops the container, giving it up to timeout to exit before
	// the engine kills it. Stopping a container the engine no longer
	// knows is success.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove force-removes the container. Idempotent.
	Remove(ctx context.Context, containerID string) error

	// ListByLabel returns containers carrying label key=value.
	ListByLabel(ctx context.Context, key, value string) ([]ContainerInfo, error)

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Close releases the engine connection.
	Close() error
}
