package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// cwdMarker prefixes the line the exec wrapper prints after the user
// command so the final working directory can be recovered from stdout.
const cwdMarker = "__MATRX_CWD__"

// execInspectTimeout bounds the post-exec inspect call, which runs on a
// fresh context because the exec context may already be expired.
const execInspectTimeout = 10 * time.Second


// DockerDriver runs sandbox containers on a Docker engine.
type DockerDriver struct {
	cli *client.Client
}

// NewDockerDriver connects to the engine named by the standard DOCKER_*
// environment variables and verifies it is reachable.
func NewDockerDriver(ctx context.Context) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	d := &DockerDriver{cli: cli}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, err
	}

	logger := log.WithComponent("docker")
	logger.Info().
		Str("host", cli.DaemonHost()).
		Msg("Connected to docker engine")
	return d, nil
}

func (d *DockerDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
		CapDrop:       strslice.StrSlice{"NET_RAW"},
		ExtraHosts:    []string{"host.docker.internal:host-gateway"},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if spec.EnableFUSE {
		hostCfg.CapAdd = strslice.StrSlice{"SYS_ADMIN"}
		hostCfg.SecurityOpt = []string{"apparmor:unconfined"}
		hostCfg.Resources.Devices = []container.DeviceMapping{{
			PathOnHost:        "/dev/fuse",
			PathInContainer:   "/dev/fuse",
			CgroupPermissions: "rwm",
		}}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", translateDockerErr(err, "create container "+spec.Name)
	}

	logger := log.WithComponent("docker")
	logger.Debug().
		Str("container_id", resp.ID).
		Str("name", spec.Name).
		Str("image", spec.Image).
		Msg("Container created")
	return resp.ID, nil
}

func (d *DockerDriver) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return translateDockerErr(err, "start container "+containerID)
	}
	return nil
}

func (d *DockerDriver) Inspect(ctx context.Context, containerID string) (Status, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Status{}, translateDockerErr(err, "inspect container "+containerID)
	}

	st := Status{}
	if info.State != nil {
		st.State = info.State.Status
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			st.StartedAt = t
		}
	}
	return st, nil
}

func (d *DockerDriver) Exec(ctx context.Context, containerID string, req types.ExecRequest) (*types.ExecResult, error) {
	// Catch dead containers before creating the exec so callers get a
	// state error instead of a generic engine failure.
	st, err := d.Inspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		return nil, errdefs.InvalidState("container %s is not running (state %q)", containerID, st.State)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	created, err := d.cli.ContainerExecCreate(ctx, containerID, execOptions(req))
	if err != nil {
		return nil, translateDockerErr(err, "create exec in container "+containerID)
	}

	attach, err := d.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, translateDockerErr(err, "attach exec in container "+containerID)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if err := copyExecOutput(execCtx, &stdout, &stderr, attach); err != nil {
		if errdefs.IsTimeout(err) {
			return nil, errdefs.Timeout("command exceeded timeout of %s", req.Timeout)
		}
		return nil, err
	}

	inspectCtx, cancelInspect := context.WithTimeout(context.Background(), execInspectTimeout)
	defer cancelInspect()
	execInfo, err := d.cli.ContainerExecInspect(inspectCtx, created.ID)
	if err != nil {
		return nil, translateDockerErr(err, "inspect exec in container "+containerID)
	}

	cleaned, cwd := parseExecStdout(stdout.String())
	return &types.ExecResult{
		ExitCode:   execInfo.ExitCode,
		Stdout:     cleaned,
		Stderr:     stderr.String(),
		WorkingDir: cwd,
	}, nil
}

func (d *DockerDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return translateDockerErr(err, "stop container "+containerID)
	}
	return nil
}

func (d *DockerDriver) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return translateDockerErr(err, "remove container "+containerID)
	}
	return nil
}

func (d *DockerDriver) ListByLabel(ctx context.Context, key, value string) ([]ContainerInfo, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return nil, translateDockerErr(err, "list containers by label "+key)
	}

	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return out, nil
}

func (d *DockerDriver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return errdefs.Unavailable("docker engine unreachable: %v", err)
	}
	return nil
}

func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

// execOptions builds the engine exec request: the command wrapped in
// bash for cwd tracking, running as the account the caller names. PID 1
// of the sandbox image is the root agent, so the manager always names
// an unprivileged user here.
func execOptions(req types.ExecRequest) container.ExecOptions {
	return container.ExecOptions{
		User:         req.User,
		Cmd:          []string{"bash", "-c", wrapCommand(req.Command)},
		WorkingDir:   req.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	}
}

// copyExecOutput demultiplexes the hijacked exec stream until EOF or the
// context deadline. On deadline it closes the connection to unblock the
// copier, which makes the engine kill the exec process.
func copyExecOutput(ctx context.Context, stdout, stderr *bytes.Buffer, attach dockertypes.HijackedResponse) error {
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to read exec output: %w", err)
		}
		return nil
	case <-ctx.Done():
		attach.Close()
		<-done
		return errdefs.Timeout("exec output stream timed out")
	}
}

// wrapCommand appends a trap-free epilogue that records the shell's final
// working directory on a marker line while preserving the user command's
// exit code.
func wrapCommand(command string) string {
	return fmt.Sprintf("%s\n__matrx_rc=$?\nprintf '\\n%s%%s\\n' \"$PWD\"\nexit $__matrx_rc", command, cwdMarker)
}

// parseExecStdout strips the working-directory marker line from raw
// stdout. When the marker is absent (the command replaced the shell or
// the stream was cut) the returned cwd is empty and stdout is untouched.
func parseExecStdout(raw string) (stdout, cwd string) {
	idx := strings.LastIndex(raw, "\n"+cwdMarker)
	if idx < 0 {
		return raw, ""
	}

	rest := raw[idx+1+len(cwdMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	// The leading newline was injected by the wrapper, not the command.
	return raw[:idx], rest
}

func translateDockerErr(err error, op string) error {
	switch {
	case client.IsErrNotFound(err):
		return errdefs.NotFound("%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Timeout("%s: %v", op, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}
