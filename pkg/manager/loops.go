package manager

import (
	"context"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/events"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/metrics"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// loopTimeout bounds one full pass of either background loop.
const loopTimeout = 5 * time.Minute

// Start launches the reconciliation and expiry loops. Each runs one
// pass immediately and then on its configured interval until Stop.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go func() {
		defer close(m.doneCh)

		reconcile := time.NewTicker(m.cfg.ReconcileInterval())
		defer reconcile.Stop()
		expiry := time.NewTicker(m.cfg.ExpiryInterval())
		defer expiry.Stop()

		m.runPass(m.reconcileOnce)
		m.runPass(m.expireOnce)

		for {
			select {
			case <-reconcile.C:
				m.runPass(m.reconcileOnce)
			case <-expiry.C:
				m.runPass(m.expireOnce)
			case <-m.stopCh:
				return
			}
		}
	}()

	logger := log.WithComponent("manager")
	logger.Info().
		Dur("reconcile_interval", m.cfg.ReconcileInterval()).
		Dur("expiry_interval", m.cfg.ExpiryInterval()).
		Msg("Background loops started")
}

// Stop halts the background loops and waits for the in-flight pass.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
}

func (m *Manager) runPass(pass func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), loopTimeout)
	defer cancel()
	pass(ctx)
}

// reconcileOnce converges the registry with the engine. Records whose
// container has disappeared or died are settled in a terminal state;
// engine containers that carry the managed label but match no record
// are logged and left alone.
func (m *Manager) reconcileOnce(ctx context.Context) {
	logger := log.WithComponent("reconciler")
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDuration(metrics.ReconcileDuration) }()

	records, err := m.store.List(ctx, "")
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		logger.Error().Err(err).Msg("Failed to list records")
		return
	}

	nonTerminal := make(map[string]bool, len(records))
	for _, sb := range records {
		if !sb.Status.Terminal() {
			nonTerminal[sb.ID] = true
		}
	}

	for _, sb := range records {
		if sb.Status.Terminal() {
			continue
		}
		m.reconcileRecord(ctx, sb.ID)
	}

	// The inverse direction: engine containers nobody owns. Never
	// auto-destroyed; a create in flight on another instance looks
	// exactly like an orphan from here.
	live, err := m.driver.ListByLabel(ctx, m.labelKey(types.LabelManaged), "true")
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list engine containers")
		return
	}
	for _, c := range live {
		sandboxID := c.Labels[m.labelKey(types.LabelSandboxID)]
		if sandboxID == "" || !nonTerminal[sandboxID] {
			logger.Warn().
				Str("container_id", c.ID).
				Str("container_name", c.Name).
				Str("sandbox_id", sandboxID).
				Msg("Unowned sandbox container in engine, leaving it alone")
		}
	}
}

// reconcileRecord re-reads one record under its lock and repairs drift.
func (m *Manager) reconcileRecord(ctx context.Context, id string) {
	unlock := m.locks.lock(id)
	defer unlock()

	sb, err := m.store.Get(ctx, id)
	if err != nil || sb.Status.Terminal() {
		return
	}

	if sb.ContainerID == "" {
		// A creating record with no container yet. Normal creates hold
		// the sandbox lock until they settle, so reaching here means a
		// previous control plane died mid provision.
		if m.stuck(sb) {
			m.markLost(ctx, sb, "provisioning abandoned")
		}
		return
	}

	st, err := m.driver.Inspect(ctx, sb.ContainerID)
	switch {
	case errdefs.IsNotFound(err):
		m.markLost(ctx, sb, "container missing from engine")
	case err != nil:
		logger := log.WithComponent("reconciler")
		logger.Warn().Err(err).Str("sandbox_id", id).Msg("Inspect failed, skipping")
	case !st.Running:
		if sb.Status == types.StatusCreating || sb.Status == types.StatusStarting {
			if m.stuck(sb) {
				m.markLost(ctx, sb, "container never became ready")
			}
			return
		}
		m.markLost(ctx, sb, "container stopped out of band (state "+st.State+")")
	}
}

// stuck reports whether a provisioning record has been idle for at
// least twice the readiness budget.
func (m *Manager) stuck(sb *types.Sandbox) bool {
	return m.now().UTC().Sub(sb.UpdatedAt) > 2*m.cfg.ReadinessTimeout()
}

// expireOnce destroys every sandbox whose lease has lapsed. Each one is
// re-checked under its lock so a racing user destroy or heartbeat wins
// cleanly.
func (m *Manager) expireOnce(ctx context.Context) {
	now := m.now().UTC()
	expired, err := m.store.ListExpired(ctx, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_expired").Inc()
		logger := log.WithComponent("expiry")
		logger.Error().Err(err).Msg("Failed to list expired records")
		return
	}

	for _, sb := range expired {
		m.expireOne(ctx, sb.ID)
	}
}

func (m *Manager) expireOne(ctx context.Context, id string) {
	unlock := m.locks.lock(id)
	defer unlock()

	sb, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}
	// A heartbeat may have renewed the lease, or a user destroy may
	// have finished first, between the sweep's list and this lock.
	if !sb.Expired(m.now().UTC()) {
		return
	}

	logger := log.WithSandboxID(id)
	sb.Status = types.StatusExpired
	if err := m.store.Update(ctx, sb); err != nil {
		logger.Error().Err(err).Msg("Failed to persist expired status")
		return
	}
	m.publish(events.EventSandboxExpired, sb, "lease expired")

	if _, err := m.destroyLocked(ctx, sb, true, types.StopReasonExpired); err != nil {
		logger.Error().Err(err).Msg("Failed to destroy expired sandbox")
	}
}
