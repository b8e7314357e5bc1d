package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armanisadeghi/matrx-sandbox/pkg/driver"
	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

func TestReconcileMarksMissingContainerStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sb := f.create(t, "u-alice", 600)

	// Someone removed the container straight from the engine.
	f.driver.ForgetContainer(sb.ContainerID)

	f.mgr.reconcileOnce(ctx)

	got, err := f.mgr.GetSandbox(ctx, "u-alice", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, types.StopReasonError, got.StopReason)

	// Exec after drift recovery is an invalid-state error.
	_, err = f.mgr.ExecInSandbox(ctx, "u-alice", sb.ID, types.ExecRequest{Command: "true"})
	assert.True(t, errdefs.IsInvalidState(err))
}

func TestReconcileMarksDeadContainerStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sb := f.create(t, "u-alice", 600)

	// The container is still known to the engine but no longer running.
	f.driver.KillContainer(sb.ContainerID)

	f.mgr.reconcileOnce(ctx)

	got, _ := f.mgr.GetSandbox(ctx, "u-alice", sb.ID)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, types.StopReasonError, got.StopReason)
}

func TestReconcileLeavesHealthyRecordsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sb := f.create(t, "u-alice", 600)

	f.mgr.reconcileOnce(ctx)

	got, _ := f.mgr.GetSandbox(ctx, "u-alice", sb.ID)
	assert.Equal(t, types.StatusReady, got.Status)
}

func TestReconcileNeverDestroysUnownedContainers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A managed-labelled container with no registry record, e.g. a
	// create in flight on another control-plane instance.
	id, err := f.driver.Create(ctx, driver.CreateSpec{
		Name:  "sandbox-orphan",
		Image: "matrx-sandbox:latest",
		Labels: map[string]string{
			"matrx.managed":    "true",
			"matrx.sandbox_id": "sbx-deadbeef0000",
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.driver.Start(ctx, id))

	f.mgr.reconcileOnce(ctx)

	// Logged, not removed.
	_, ok := f.driver.Container(id)
	assert.True(t, ok)
	assert.Empty(t, f.driver.RemovedIDs)
}

func TestReconcileFailsAbandonedProvisioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A creating record with no container and a long-idle UpdatedAt:
	// the control plane that owned it died mid provision.
	stale := f.clock.Now().Add(-10 * time.Minute)
	sb := &types.Sandbox{
		ID:        types.NewSandboxID(),
		UserID:    "u-alice",
		Status:    types.StatusCreating,
		CreatedAt: stale,
		UpdatedAt: stale,
	}
	require.NoError(t, f.store.Save(ctx, sb))

	f.mgr.reconcileOnce(ctx)

	got, err := f.store.Get(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, types.StopReasonError, got.StopReason)
}

func TestExpiryDestroysLapsedSandboxes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sb := f.create(t, "u-alice", 60)

	f.clock.Advance(61 * time.Second)
	f.mgr.expireOnce(ctx)

	got, _ := f.mgr.GetSandbox(ctx, "u-alice", sb.ID)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, types.StopReasonExpired, got.StopReason)

	// Expiry is a graceful destroy: the agent gets its shutdown window.
	assert.Equal(t, []string{sb.ContainerID}, f.driver.StopCalls)
}

func TestExpiryAtExactDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sb := f.create(t, "u-alice", 60)

	// expires_at == now counts as expired.
	f.clock.Advance(60 * time.Second)
	f.mgr.expireOnce(ctx)

	got, _ := f.mgr.GetSandbox(ctx, "u-alice", sb.ID)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, types.StopReasonExpired, got.StopReason)
}

func TestExpirySkipsRenewedLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sb := f.create(t, "u-alice", 60)

	f.clock.Advance(30 * time.Second)
	_, err := f.mgr.Heartbeat(ctx, "u-alice", sb.ID)
	require.NoError(t, err)

	// Past the original deadline but inside the renewed lease.
	f.clock.Advance(45 * time.Second)
	f.mgr.expireOnce(ctx)

	got, _ := f.mgr.GetSandbox(ctx, "u-alice", sb.ID)
	assert.Equal(t, types.StatusReady, got.Status)
}

func TestExpiryLosesRaceToUserDestroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sb := f.create(t, "u-alice", 60)

	f.clock.Advance(61 * time.Second)

	// The user destroy lands first; the sweep then observes a terminal
	// record and leaves the first reason in place.
	_, err := f.mgr.DestroySandbox(ctx, "u-alice", sb.ID, false, types.StopReasonUserRequested)
	require.NoError(t, err)

	f.mgr.expireOnce(ctx)

	got, _ := f.mgr.GetSandbox(ctx, "u-alice", sb.ID)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, types.StopReasonUserRequested, got.StopReason)
}

func TestStartAndStopLoops(t *testing.T) {
	f := newFixture(t)
	f.mgr.cfg.ReconcileIntervalSeconds = 1
	f.mgr.cfg.ExpiryIntervalSeconds = 1

	f.mgr.Start()
	time.Sleep(10 * time.Millisecond)
	f.mgr.Stop()

	// Stop is idempotent.
	f.mgr.Stop()
}
