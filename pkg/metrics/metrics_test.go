package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armanisadeghi/matrx-sandbox/pkg/events"
	"github.com/armanisadeghi/matrx-sandbox/pkg/storage"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

func TestTimerObservesDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	d := timer.Duration()
	assert.GreaterOrEqual(t, d, 20*time.Millisecond)

	before := testutil.CollectAndCount(ExecDuration)
	timer.ObserveDuration(ExecDuration)
	assert.Equal(t, before, testutil.CollectAndCount(ExecDuration), "histogram series count unchanged by one observation")
}

func TestCollectorSamplesStore(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()

	mk := func(id string, status types.SandboxStatus) {
		now := time.Now().UTC()
		require.NoError(t, st.Save(ctx, &types.Sandbox{
			ID:        id,
			UserID:    "alice",
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}))
	}
	mk("sbx-000000000001", types.StatusReady)
	mk("sbx-000000000002", types.StatusReady)
	mk("sbx-000000000003", types.StatusRunning)
	mk("sbx-000000000004", types.StatusStopped)

	c := NewCollector(st)
	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(SandboxesTotal.WithLabelValues("ready")))
	assert.Equal(t, float64(1), testutil.ToFloat64(SandboxesTotal.WithLabelValues("running")))
	assert.Equal(t, float64(1), testutil.ToFloat64(SandboxesTotal.WithLabelValues("stopped")))
	assert.Equal(t, float64(0), testutil.ToFloat64(SandboxesTotal.WithLabelValues("failed")))
}

func TestEventSinkCountsLifecycle(t *testing.T) {
	b := events.NewBroker()
	b.Start()
	defer b.Stop()

	stop := EventSink(b)

	createdBefore := testutil.ToFloat64(SandboxesCreated)
	expiredBefore := testutil.ToFloat64(SandboxesExpired)
	failedBefore := testutil.ToFloat64(SandboxesFailed)

	sb := &types.Sandbox{ID: "sbx-0000000000ff", UserID: "alice", Status: types.StatusReady}
	b.Publish(events.NewEvent(events.EventSandboxCreated, sb, ""))
	b.Publish(events.NewEvent(events.EventSandboxExpired, sb, ""))
	b.Publish(events.NewEvent(events.EventSandboxFailed, sb, ""))
	b.Publish(events.NewEvent(events.EventSandboxReady, sb, ""))

	// Unsubscribe drains the goroutine before we read the counters.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(SandboxesFailed) >= failedBefore+1
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, createdBefore+1, testutil.ToFloat64(SandboxesCreated))
	assert.Equal(t, expiredBefore+1, testutil.ToFloat64(SandboxesExpired))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(SandboxesFailed))
}
