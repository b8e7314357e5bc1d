package driver

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	cerrdefs "github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace sandbox containers
	// live in.
	DefaultNamespace = "matrx"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// cfsPeriod is the CFS scheduler period used to translate a
	// fractional CPU limit into a quota.
	cfsPeriod = 100000

	// pidsLimit caps processes per sandbox so a fork bomb cannot take
	// the host down.
	pidsLimit = 4096
)

// ContainerdDriver runs sandbox containers directly on containerd. It
// covers create/start/stop/remove and reconcile listing; interactive
// exec is only available on the docker driver.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdDriver connects to containerd at socketPath (empty means
// DefaultSocketPath).
func NewContainerdDriver(socketPath string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, errdefs.Unavailable("failed to connect to containerd at %s: %v", socketPath, err)
	}

	logger := log.WithComponent("containerd")
	logger.Info().
		Str("socket", socketPath).
		Str("namespace", DefaultNamespace).
		Msg("Connected to containerd")

	return &ContainerdDriver{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

func (d *ContainerdDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		// Image not present locally, pull it.
		image, err = d.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		withPidsLimit(pidsLimit),
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}
	if spec.NanoCPUs > 0 {
		quota := spec.NanoCPUs * cfsPeriod / 1e9
		opts = append(opts, oci.WithCPUCFS(quota, cfsPeriod))
	}
	if spec.EnableFUSE {
		opts = append(opts,
			oci.WithAddedCapabilities([]string{"CAP_SYS_ADMIN"}),
			oci.WithDevices("/dev/fuse", "/dev/fuse", "rwm"),
		)
	}

	container, err := d.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	return container.ID(), nil
}

func (d *ContainerdDriver) Start(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return translateContainerdErr(err, "load container "+containerID)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task for %s: %w", containerID, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task for %s: %w", containerID, err)
	}
	return nil
}

func (d *ContainerdDriver) Inspect(ctx context.Context, containerID string) (Status, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return Status{}, translateContainerdErr(err, "load container "+containerID)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task: created but never started, or already reaped.
		return Status{State: "created"}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to get task status for %s: %w", containerID, err)
	}

	st := Status{
		State:    string(status.Status),
		ExitCode: int(status.ExitStatus),
	}
	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		st.Running = true
	}
	return st, nil
}

// Exec is not supported on containerd; the docker driver carries the
// interactive path.
func (d *ContainerdDriver) Exec(ctx context.Context, containerID string, req types.ExecRequest) (*types.ExecResult, error) {
	return nil, errdefs.NotImplemented("exec is not supported by the containerd driver")
}

func (d *ContainerdDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return translateContainerdErr(err, "load container "+containerID)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means nothing is running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task for %s: %w", containerID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task for %s: %w", containerID, err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task for %s: %w", containerID, err)
	}
	return nil
}

func (d *ContainerdDriver) Remove(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return translateContainerdErr(err, "load container "+containerID)
	}

	if err := d.Stop(ctx, containerID, 10*time.Second); err != nil {
		logger := log.WithComponent("containerd")
		logger.Warn().
			Err(err).
			Str("container_id", containerID).
			Msg("Failed to stop container before delete, continuing")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", containerID, err)
	}
	return nil
}

func (d *ContainerdDriver) ListByLabel(ctx context.Context, key, value string) ([]ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, key, value)
	containers, err := d.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := ContainerInfo{ID: c.ID(), Name: c.ID()}
		if labels, err := c.Labels(ctx); err == nil {
			info.Labels = labels
		}
		if st, err := d.Inspect(ctx, c.ID()); err == nil {
			info.State = st.State
		}
		out = append(out, info)
	}
	return out, nil
}

func (d *ContainerdDriver) Ping(ctx context.Context) error {
	serving, err := d.client.IsServing(ctx)
	if err != nil {
		return errdefs.Unavailable("containerd unreachable: %v", err)
	}
	if !serving {
		return errdefs.Unavailable("containerd is not serving")
	}
	return nil
}

func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// withPidsLimit caps the container's pid cgroup.
func withPidsLimit(limit int64) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		s.Linux.Resources.Pids = &specs.LinuxPids{Limit: limit}
		return nil
	}
}

func translateContainerdErr(err error, op string) error {
	if cerrdefs.IsNotFound(err) {
		return errdefs.NotFound("%s: %v", op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
