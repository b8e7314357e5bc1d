package driver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// FakeContainer is the in-memory state the fake keeps per container.
type FakeContainer struct {
	ID      string
	Name    string
	Spec    CreateSpec
	Running bool
	Ready   bool
	Exited  bool
}

// ExecCall records one Exec invocation for assertions.
type ExecCall struct {
	ContainerID string
	Request     types.ExecRequest
}

// FakeDriver is an in-memory Driver for tests. By default containers
// become ready as soon as they start; error fields inject failures at
// each step, and ExecFunc overrides exec handling entirely.
type FakeDriver struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	seq        int

	// AutoReady makes Start place the readiness marker immediately.
	AutoReady bool

	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error
	ExecErr   error

	// ExecFunc, when set, handles every non-probe exec.
	ExecFunc func(containerID string, req types.ExecRequest) (*types.ExecResult, error)

	ExecCalls  []ExecCall
	StopCalls  []string
	RemovedIDs []string
}

// NewFakeDriver returns a fake whose containers report ready right
// after starting.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		containers: make(map[string]*FakeContainer),
		AutoReady:  true,
	}
}

func (f *FakeDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return "", errdefs.Conflict("container name %s already in use", spec.Name)
		}
	}

	f.seq++
	id := "ctr-" + spec.Name
	f.containers[id] = &FakeContainer{ID: id, Name: spec.Name, Spec: spec}
	return id, nil
}

func (f *FakeDriver) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return errdefs.NotFound("container %s not found", containerID)
	}
	c.Running = true
	if f.AutoReady {
		c.Ready = true
	}
	return nil
}

func (f *FakeDriver) Inspect(ctx context.Context, containerID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return Status{}, errdefs.NotFound("container %s not found", containerID)
	}
	st := Status{Running: c.Running, StartedAt: time.Now()}
	switch {
	case c.Running:
		st.State = "running"
	case c.Exited:
		st.State = "exited"
		st.ExitCode = 137
	default:
		st.State = "created"
	}
	return st, nil
}

func (f *FakeDriver) Exec(ctx context.Context, containerID string, req types.ExecRequest) (*types.ExecResult, error) {
	f.mu.Lock()
	c, ok := f.containers[containerID]
	if !ok {
		f.mu.Unlock()
		return nil, errdefs.NotFound("container %s not found", containerID)
	}
	if !c.Running {
		f.mu.Unlock()
		return nil, errdefs.InvalidState("container %s is not running", containerID)
	}
	f.ExecCalls = append(f.ExecCalls, ExecCall{ContainerID: containerID, Request: req})
	ready := c.Ready
	execErr := f.ExecErr
	execFn := f.ExecFunc
	f.mu.Unlock()

	// Readiness probes test for the marker file.
	if strings.Contains(req.Command, types.ReadyMarkerPath) {
		if ready {
			return &types.ExecResult{ExitCode: 0}, nil
		}
		return &types.ExecResult{ExitCode: 1}, nil
	}

	if execErr != nil {
		return nil, execErr
	}
	if execFn != nil {
		return execFn(containerID, req)
	}

	cwd := req.WorkingDir
	if cwd == "" {
		cwd = types.HotPath
	}
	return &types.ExecResult{ExitCode: 0, Stdout: "", WorkingDir: cwd}, nil
}

func (f *FakeDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.StopCalls = append(f.StopCalls, containerID)
	if f.StopErr != nil {
		return f.StopErr
	}
	if c, ok := f.containers[containerID]; ok {
		c.Running = false
		c.Exited = true
	}
	return nil
}

func (f *FakeDriver) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RemovedIDs = append(f.RemovedIDs, containerID)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	delete(f.containers, containerID)
	return nil
}

func (f *FakeDriver) ListByLabel(ctx context.Context, key, value string) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []ContainerInfo
	for _, c := range f.containers {
		if c.Spec.Labels[key] != value {
			continue
		}
		state := "created"
		if c.Running {
			state = "running"
		} else if c.Exited {
			state = "exited"
		}
		out = append(out, ContainerInfo{ID: c.ID, Name: c.Name, State: state, Labels: c.Spec.Labels})
	}
	return out, nil
}

func (f *FakeDriver) Ping(ctx context.Context) error { return nil }

func (f *FakeDriver) Close() error { return nil }

// SetReady places or clears the readiness marker for a container.
func (f *FakeDriver) SetReady(containerID string, ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.Ready = ready
	}
}

// KillContainer simulates the container dying outside the control
// plane, as the reconcile loop would observe it.
func (f *FakeDriver) KillContainer(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.Running = false
		c.Exited = true
	}
}

// ForgetContainer drops all record of a container, as if it were removed
// behind the control plane's back.
func (f *FakeDriver) ForgetContainer(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
}

// Container returns a copy of the fake's state for a container.
func (f *FakeDriver) Container(containerID string) (FakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return FakeContainer{}, false
	}
	return *c, true
}
