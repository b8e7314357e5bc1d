// End-to-end scenarios against an in-process control plane: real
// router, real manager, fake engine and object store, driven through
// the public client.
package e2e

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armanisadeghi/matrx-sandbox/pkg/api"
	"github.com/armanisadeghi/matrx-sandbox/pkg/client"
	"github.com/armanisadeghi/matrx-sandbox/pkg/config"
	"github.com/armanisadeghi/matrx-sandbox/pkg/driver"
	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/manager"
	"github.com/armanisadeghi/matrx-sandbox/pkg/objectstore"
	"github.com/armanisadeghi/matrx-sandbox/pkg/storage"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

const apiKey = "e2e-secret"

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type harness struct {
	url     string
	driver  *driver.FakeDriver
	gateway *objectstore.Fake
}

func startControlPlane(t *testing.T) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.APIKey = apiKey
	cfg.ObjectStoreBucket = "e2e-bucket"

	drv := driver.NewFakeDriver()
	gw := objectstore.NewFake()
	mgr := manager.New(cfg, storage.NewMemoryStore(), drv, gw, nil)
	srv := api.NewServer(cfg, mgr, gw, "e2e")

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{url: ts.URL, driver: drv, gateway: gw}
}

func (h *harness) clientFor(userID string) *client.Client {
	return client.New(h.url, client.WithAPIKey(apiKey), client.WithUserID(userID))
}

func TestSandboxLifecycle(t *testing.T) {
	h := startControlPlane(t)
	c := h.clientFor("u-alice")
	ctx := context.Background()

	health, err := c.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	sb, err := c.CreateSandbox(ctx, client.CreateSandboxRequest{TTLSeconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, sb.Status)
	assert.NotEmpty(t, sb.ContainerID)
	assert.Contains(t, h.gateway.EnsureLog, "u-alice")

	res, err := c.Exec(ctx, sb.ID, client.ExecOptions{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	got, err := c.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status, "first exec should move the sandbox to running")

	stopped, err := c.DestroySandbox(ctx, sb.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, stopped.Status)
	assert.Equal(t, types.StopReasonUserRequested, stopped.StopReason)
	assert.Contains(t, h.driver.StopCalls, sb.ContainerID, "graceful destroy should stop before removing")

	again, err := c.DestroySandbox(ctx, sb.ID, true)
	require.NoError(t, err, "destroy is idempotent")
	assert.Equal(t, types.StatusStopped, again.Status)
	assert.Equal(t, types.StopReasonUserRequested, again.StopReason, "first stop reason wins")
}

func TestWorkingDirFollowsSuccessfulExec(t *testing.T) {
	h := startControlPlane(t)
	c := h.clientFor("u-alice")
	ctx := context.Background()

	sb, err := c.CreateSandbox(ctx, client.CreateSandboxRequest{})
	require.NoError(t, err)

	h.driver.ExecFunc = func(_ string, req types.ExecRequest) (*types.ExecResult, error) {
		return &types.ExecResult{ExitCode: 0, WorkingDir: "/tmp/project"}, nil
	}
	res, err := c.Exec(ctx, sb.ID, client.ExecOptions{Command: "cd /tmp/project"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", res.WorkingDir)

	// A failing command must not move the tracked directory.
	h.driver.ExecFunc = func(_ string, req types.ExecRequest) (*types.ExecResult, error) {
		assert.Equal(t, "/tmp/project", req.WorkingDir, "exec should start from the tracked directory")
		return &types.ExecResult{ExitCode: 1, Stderr: "no such directory", WorkingDir: "/elsewhere"}, nil
	}
	res, err = c.Exec(ctx, sb.ID, client.ExecOptions{Command: "cd /elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "/tmp/project", res.WorkingDir)

	got, err := c.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", got.WorkingDir)
}

func TestOwnershipIsolation(t *testing.T) {
	h := startControlPlane(t)
	alice := h.clientFor("u-alice")
	bob := h.clientFor("u-bob")
	ctx := context.Background()

	sb, err := alice.CreateSandbox(ctx, client.CreateSandboxRequest{})
	require.NoError(t, err)

	_, err = bob.GetSandbox(ctx, sb.ID)
	assert.True(t, errdefs.IsNotFound(err), "cross-tenant reads must not reveal existence")

	_, err = bob.Exec(ctx, sb.ID, client.ExecOptions{Command: "whoami"})
	assert.True(t, errdefs.IsNotFound(err))

	list, err := bob.ListSandboxes(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = alice.ListSandboxes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sb.ID, list[0].ID)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	h := startControlPlane(t)
	c := h.clientFor("u-alice")
	ctx := context.Background()

	sb, err := c.CreateSandbox(ctx, client.CreateSandboxRequest{TTLSeconds: 60})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	deadline, err := c.Heartbeat(ctx, sb.ID)
	require.NoError(t, err)
	assert.True(t, deadline.After(sb.ExpiresAt), "heartbeat should push the deadline out")
}

func TestExecAfterEngineDrift(t *testing.T) {
	h := startControlPlane(t)
	c := h.clientFor("u-alice")
	ctx := context.Background()

	sb, err := c.CreateSandbox(ctx, client.CreateSandboxRequest{})
	require.NoError(t, err)

	// The container disappears behind the control plane's back.
	h.driver.ForgetContainer(sb.ContainerID)

	_, err = c.Exec(ctx, sb.ID, client.ExecOptions{Command: "echo hello"})
	assert.True(t, errdefs.IsInvalidState(err))

	got, err := c.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, types.StopReasonError, got.StopReason)
}

func TestValidationErrors(t *testing.T) {
	h := startControlPlane(t)
	ctx := context.Background()

	_, err := h.clientFor("bad user!").CreateSandbox(ctx, client.CreateSandboxRequest{})
	assert.True(t, errdefs.IsValidation(err))

	c := h.clientFor("u-alice")
	_, err = c.CreateSandbox(ctx, client.CreateSandboxRequest{TTLSeconds: 90000})
	assert.True(t, errdefs.IsValidation(err))

	sb, err := c.CreateSandbox(ctx, client.CreateSandboxRequest{})
	require.NoError(t, err)
	_, err = c.Exec(ctx, sb.ID, client.ExecOptions{Command: ""})
	assert.True(t, errdefs.IsValidation(err))
}

func TestAuthenticationRequired(t *testing.T) {
	h := startControlPlane(t)
	ctx := context.Background()

	noKey := client.New(h.url, client.WithUserID("u-alice"))
	_, err := noKey.ListSandboxes(ctx)
	assert.True(t, errdefs.IsUnauthenticated(err))

	wrongKey := client.New(h.url, client.WithAPIKey("nope"), client.WithUserID("u-alice"))
	_, err = wrongKey.ListSandboxes(ctx)
	assert.True(t, errdefs.IsForbidden(err))

	_, err = noKey.GetHealth(ctx)
	assert.NoError(t, err, "health stays unauthenticated")
}

func TestStorageLifecycle(t *testing.T) {
	h := startControlPlane(t)
	c := h.clientFor("u-alice")
	ctx := context.Background()

	_, err := c.CreateSandbox(ctx, client.CreateSandboxRequest{})
	require.NoError(t, err)

	h.gateway.Put("users/u-alice/hot/notes.txt", 1024)
	h.gateway.Put("users/u-alice/cold/archive.tar", 4096)

	stats, err := c.StorageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hot.Objects)
	assert.Equal(t, int64(1024), stats.Hot.Bytes)
	assert.Equal(t, int64(1), stats.Cold.Objects)

	deleted, err := c.CleanupStorage(ctx, objectstore.TierHot)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted, "object plus keep marker")

	stats, err = c.StorageStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Hot.Objects)
	assert.Equal(t, int64(1), stats.Cold.Objects)

	_, err = c.CleanupStorage(ctx, "lukewarm")
	assert.True(t, errdefs.IsValidation(err))
}
