package manager

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/config"
	"github.com/armanisadeghi/matrx-sandbox/pkg/driver"
	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/events"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/metrics"
	"github.com/armanisadeghi/matrx-sandbox/pkg/objectstore"
	"github.com/armanisadeghi/matrx-sandbox/pkg/probe"
	"github.com/armanisadeghi/matrx-sandbox/pkg/storage"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// userIDPattern is the admission shape for user identifiers. It is also
// the set of characters safe to embed in an S3 key prefix.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// Keys the manager writes into the sandbox config blob.
const (
	configKeyTTL        = "ttl_seconds"
	configKeyImage      = "image"
	configKeyCompletion = "completion"
	configKeyLastError  = "last_error"
)

// cleanupTimeout bounds best-effort container removal on failure paths,
// where the request context may already be dead.
const cleanupTimeout = 30 * time.Second

// Manager owns every sandbox state transition. The API layer and the
// background loops all mutate records through it, never directly.
type Manager struct {
	cfg     *config.Config
	store   storage.Store
	driver  driver.Driver
	gateway objectstore.Gateway
	broker  *events.Broker

	locks    *lockMap
	probeCfg probe.Config

	// now is swapped out by tests that steer the clock.
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a Manager from its collaborators. The gateway may be nil
// when the deployment runs without object storage (tests, dev mode).
func New(cfg *config.Config, st storage.Store, drv driver.Driver, gw objectstore.Gateway, broker *events.Broker) *Manager {
	probeCfg := probe.DefaultConfig()
	probeCfg.Timeout = cfg.ReadinessTimeout()

	return &Manager{
		cfg:      cfg,
		store:    st,
		driver:   drv,
		gateway:  gw,
		broker:   broker,
		locks:    newLockMap(),
		probeCfg: probeCfg,
		now:      time.Now,
	}
}

// CreateRequest carries the caller's sandbox options.
type CreateRequest struct {
	UserID     string
	TTLSeconds int
	Config     map[string]any
}

// CreateSandbox provisions a sandbox end to end: registry record,
// per-user object storage, container create and start, readiness poll.
// The returned record is ready. Any failure along the way leaves the
// record in failed state for post-mortem and returns the causal error.
func (m *Manager) CreateSandbox(ctx context.Context, req CreateRequest) (*types.Sandbox, error) {
	if !userIDPattern.MatchString(req.UserID) {
		return nil, errdefs.Validation("user_id must be 1-255 characters of [A-Za-z0-9._-]")
	}
	ttl, err := m.resolveTTL(req.TTLSeconds)
	if err != nil {
		return nil, err
	}

	if m.gateway != nil {
		if err := m.gateway.EnsureUserStorage(ctx, req.UserID); err != nil {
			return nil, fmt.Errorf("failed to ensure user storage: %w", err)
		}
	}

	now := m.now().UTC()
	sb := &types.Sandbox{
		ID:           types.NewSandboxID(),
		UserID:       req.UserID,
		Status:       types.StatusCreating,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
		WorkingDir:   types.HotPath,
		Config:       make(map[string]any, len(req.Config)+1),
	}
	for k, v := range req.Config {
		sb.Config[k] = v
	}
	sb.Config[configKeyTTL] = int(ttl / time.Second)

	// Hold the sandbox lock for the whole provisioning sequence so the
	// background loops and concurrent API calls only ever observe the
	// record settled in ready or failed.
	unlock := m.locks.lock(sb.ID)
	defer unlock()

	if err := m.store.Save(ctx, sb); err != nil {
		return nil, err
	}
	m.publish(events.EventSandboxCreated, sb, "sandbox record created")

	logger := log.WithSandboxID(sb.ID)
	logger.Info().Str("user_id", sb.UserID).Dur("ttl", ttl).Msg("Creating sandbox")

	if err := m.provision(ctx, sb, ttl); err != nil {
		m.failProvision(sb, err)
		return nil, err
	}

	logger.Info().Str("container_id", sb.ContainerID).Msg("Sandbox ready")
	return sb.Clone(), nil
}

// provision runs the container side of creation and advances the record
// creating → starting → ready. The caller holds the sandbox lock.
func (m *Manager) provision(ctx context.Context, sb *types.Sandbox, ttl time.Duration) error {
	spec, err := m.containerSpec(sb)
	if err != nil {
		return err
	}

	containerID, err := m.driver.Create(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	sb.ContainerID = containerID
	sb.Status = types.StatusStarting
	if err := m.store.Update(ctx, sb); err != nil {
		return err
	}

	if err := m.driver.Start(ctx, containerID); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	err = probe.WaitReady(ctx, &probe.MarkerProbe{
		Driver:      m.driver,
		ContainerID: containerID,
		ExecTimeout: m.probeCfg.ExecTimeout,
	}, m.probeCfg)
	if err != nil {
		return fmt.Errorf("sandbox did not become ready: %w", err)
	}

	now := m.now().UTC()
	sb.Status = types.StatusReady
	sb.ExpiresAt = now.Add(ttl)
	sb.LastActiveAt = now
	if err := m.store.Update(ctx, sb); err != nil {
		return err
	}
	m.publish(events.EventSandboxReady, sb, "sandbox ready")
	return nil
}

// failProvision moves a half-provisioned record to failed and tears the
// container down. Runs on a fresh context: the request context that
// carried the failure is frequently already expired.
func (m *Manager) failProvision(sb *types.Sandbox, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	logger := log.WithSandboxID(sb.ID)
	if sb.ContainerID != "" {
		if err := m.driver.Remove(ctx, sb.ContainerID); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove container after provisioning failure")
		}
	}

	sb.Status = types.StatusFailed
	sb.StopReason = types.StopReasonError
	if err := m.store.Update(ctx, sb); err != nil {
		logger.Error().Err(err).Msg("Failed to persist failed status")
		return
	}
	m.publish(events.EventSandboxFailed, sb, cause.Error())
	logger.Error().Err(cause).Msg("Sandbox provisioning failed")
}

// GetSandbox returns the record for id, scoped to userID. Records owned
// by another user read as NotFound so IDs never leak existence.
func (m *Manager) GetSandbox(ctx context.Context, userID, id string) (*types.Sandbox, error) {
	return m.getOwned(ctx, userID, id)
}

// ListSandboxes returns the caller's records. An empty userID lists
// everything and is reserved for internal use.
func (m *Manager) ListSandboxes(ctx context.Context, userID string) ([]*types.Sandbox, error) {
	return m.store.List(ctx, userID)
}

// ExecInSandbox runs a shell command inside an active sandbox. The
// working directory persists across calls: a command that exits 0 moves
// the record's cwd to wherever its shell ended up. Every exec, whatever
// the exit code, counts as activity and renews the lease.
func (m *Manager) ExecInSandbox(ctx context.Context, userID, id string, req types.ExecRequest) (*types.ExecResult, error) {
	if req.Command == "" {
		return nil, errdefs.Validation("command is required")
	}
	if len(req.Command) > types.MaxCommandBytes {
		return nil, errdefs.Validation("command exceeds %d bytes", types.MaxCommandBytes)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.ExecDefaultTimeout()
	}
	if timeout > m.cfg.ExecMaxTimeout() {
		timeout = m.cfg.ExecMaxTimeout()
	}

	unlock := m.locks.lock(id)
	defer unlock()

	sb, err := m.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !sb.Status.Active() {
		return nil, errdefs.InvalidState("sandbox %s is %s, not ready or running", id, sb.Status)
	}

	cwd := req.WorkingDir
	if cwd == "" {
		cwd = sb.WorkingDir
	}
	if cwd == "" {
		cwd = types.HotPath
	}

	timer := metrics.NewTimer()
	res, err := m.driver.Exec(ctx, sb.ContainerID, types.ExecRequest{
		Command:    req.Command,
		WorkingDir: cwd,
		Timeout:    timeout,
		User:       m.cfg.SandboxExecUser,
	})
	timer.ObserveDuration(metrics.ExecDuration)
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsInvalidState(err) {
			// The container died behind our back. Reconcile the record
			// now instead of waiting for the loop.
			m.markLost(ctx, sb, "container gone during exec")
			return nil, errdefs.InvalidState("sandbox %s container is gone", id)
		}
		return nil, err
	}

	now := m.now().UTC()
	if sb.Status == types.StatusReady {
		sb.Status = types.StatusRunning
		m.publish(events.EventSandboxRunning, sb, "first command executed")
	}
	if res.ExitCode == 0 && res.WorkingDir != "" {
		sb.WorkingDir = res.WorkingDir
	}
	sb.LastActiveAt = now
	m.renewLease(sb, now)
	if err := m.store.Update(ctx, sb); err != nil {
		return nil, err
	}

	// The record's cwd is what later execs will inherit; report it
	// rather than the raw shell position, which is discarded on failure.
	res.WorkingDir = sb.WorkingDir
	return res, nil
}

// Heartbeat records liveness and renews the lease. Only active
// sandboxes accept heartbeats.
func (m *Manager) Heartbeat(ctx context.Context, userID, id string) (*types.Sandbox, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	sb, err := m.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !sb.Status.Active() {
		return nil, errdefs.InvalidState("sandbox %s is %s, not ready or running", id, sb.Status)
	}

	now := m.now().UTC()
	sb.LastActiveAt = now
	m.renewLease(sb, now)
	if err := m.store.Update(ctx, sb); err != nil {
		return nil, err
	}
	return sb.Clone(), nil
}

// MarkComplete records an agent-reported successful completion in the
// sandbox config. It never destroys the sandbox; teardown stays an
// explicit destroy call.
func (m *Manager) MarkComplete(ctx context.Context, userID, id string, result map[string]any) error {
	return m.annotate(ctx, userID, id, configKeyCompletion, map[string]any{
		"result": result,
		"at":     m.now().UTC().Format(time.RFC3339),
	})
}

// MarkError records an agent-reported error in the sandbox config. The
// sandbox stays alive for inspection; the status does not change.
func (m *Manager) MarkError(ctx context.Context, userID, id, message string, details map[string]any) error {
	if message == "" {
		return errdefs.Validation("message is required")
	}
	return m.annotate(ctx, userID, id, configKeyLastError, map[string]any{
		"message": message,
		"details": details,
		"at":      m.now().UTC().Format(time.RFC3339),
	})
}

func (m *Manager) annotate(ctx context.Context, userID, id, key string, value map[string]any) error {
	unlock := m.locks.lock(id)
	defer unlock()

	sb, err := m.getOwned(ctx, userID, id)
	if err != nil {
		return err
	}
	if sb.Status.Terminal() {
		return errdefs.InvalidState("sandbox %s is already %s", id, sb.Status)
	}

	if sb.Config == nil {
		sb.Config = make(map[string]any)
	}
	sb.Config[key] = value
	return m.store.Update(ctx, sb)
}

// DestroySandbox tears a sandbox down and settles the record in a
// terminal state with the given stop reason. Destroying a sandbox that
// is already terminal is success and returns the record unchanged, so
// a user destroy racing the expiry sweep is safe from either side.
func (m *Manager) DestroySandbox(ctx context.Context, userID, id string, graceful bool, reason types.StopReason) (*types.Sandbox, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	sb, err := m.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if sb.Status.Terminal() {
		return sb, nil
	}
	return m.destroyLocked(ctx, sb, graceful, reason)
}

// destroyLocked runs the teardown sequence. The caller holds the
// sandbox lock and has verified the record is not terminal.
func (m *Manager) destroyLocked(ctx context.Context, sb *types.Sandbox, graceful bool, reason types.StopReason) (*types.Sandbox, error) {
	logger := log.WithSandboxID(sb.ID)

	// Records caught in creating/starting have no edge to shutting_down;
	// they only land here when a previous control plane crashed mid
	// provision. Settle them in failed.
	if sb.Status == types.StatusCreating || sb.Status == types.StatusStarting {
		m.removeContainer(sb)
		sb.Status = types.StatusFailed
		sb.StopReason = reason
		if err := m.store.Update(ctx, sb); err != nil {
			return nil, err
		}
		m.publish(events.EventSandboxFailed, sb, "destroyed during provisioning")
		return sb.Clone(), nil
	}

	if sb.Status != types.StatusShuttingDown {
		sb.Status = types.StatusShuttingDown
		if err := m.store.Update(ctx, sb); err != nil {
			return nil, err
		}
	}

	if sb.ContainerID != "" {
		if graceful {
			// Stop delivers SIGTERM so the in-container agent can run
			// its shutdown protocol (hot sync up) before the engine
			// kills it.
			if err := m.driver.Stop(ctx, sb.ContainerID, m.cfg.ShutdownTimeout()); err != nil {
				logger.Warn().Err(err).Msg("Graceful stop failed, forcing removal")
			}
		}
		if err := m.driver.Remove(ctx, sb.ContainerID); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove container")
		}
	}

	sb.Status = types.StatusStopped
	sb.StopReason = reason
	if err := m.store.Update(ctx, sb); err != nil {
		return nil, err
	}
	m.publish(events.EventSandboxDestroyed, sb, "sandbox destroyed: "+string(reason))

	logger.Info().Str("stop_reason", string(reason)).Bool("graceful", graceful).Msg("Sandbox destroyed")
	return sb.Clone(), nil
}

// markLost settles a record whose container has vanished from the
// engine. Provisioning records go to failed; active ones pass through
// shutting_down to stopped with stop_reason=error.
func (m *Manager) markLost(ctx context.Context, sb *types.Sandbox, why string) {
	logger := log.WithSandboxID(sb.ID)

	switch sb.Status {
	case types.StatusCreating, types.StatusStarting:
		sb.Status = types.StatusFailed
		sb.StopReason = types.StopReasonError
		if err := m.store.Update(ctx, sb); err != nil {
			logger.Error().Err(err).Msg("Failed to persist failed status")
			return
		}
		m.publish(events.EventSandboxFailed, sb, why)
	case types.StatusReady, types.StatusRunning, types.StatusExpired:
		sb.Status = types.StatusShuttingDown
		if err := m.store.Update(ctx, sb); err != nil {
			logger.Error().Err(err).Msg("Failed to persist shutting_down status")
			return
		}
		fallthrough
	case types.StatusShuttingDown:
		sb.Status = types.StatusStopped
		sb.StopReason = types.StopReasonError
		if err := m.store.Update(ctx, sb); err != nil {
			logger.Error().Err(err).Msg("Failed to persist stopped status")
			return
		}
		m.publish(events.EventSandboxReconciled, sb, why)
	default:
		return
	}

	logger.Warn().Str("reason", why).Msg("Sandbox container lost, record reconciled")
}

// Health probes every collaborator and reports one line per check.
func (m *Manager) Health(ctx context.Context) (checks map[string]string, healthy bool) {
	checks = make(map[string]string, 3)
	healthy = true

	if _, err := m.store.List(ctx, "health-probe"); err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}

	if err := m.driver.Ping(ctx); err != nil {
		checks["engine"] = err.Error()
		healthy = false
	} else {
		checks["engine"] = "ok"
	}

	if m.gateway != nil {
		if err := m.gateway.HealthCheck(ctx); err != nil {
			checks["object_store"] = err.Error()
			healthy = false
		} else {
			checks["object_store"] = "ok"
		}
	}
	return checks, healthy
}

// getOwned loads a record scoped to userID. Empty userID skips the
// ownership check.
func (m *Manager) getOwned(ctx context.Context, userID, id string) (*types.Sandbox, error) {
	if id == "" {
		return nil, errdefs.Validation("sandbox id is required")
	}
	sb, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && sb.UserID != userID {
		return nil, errdefs.NotFound("sandbox %s not found", id)
	}
	return sb, nil
}

// renewLease pushes the expiry forward to now + TTL. The lease is
// monotonic: a renewal never moves expires_at backwards.
func (m *Manager) renewLease(sb *types.Sandbox, now time.Time) {
	exp := now.Add(m.ttlOf(sb))
	if exp.After(sb.ExpiresAt) {
		sb.ExpiresAt = exp
	}
}

// ttlOf reads the sandbox's TTL back out of its config blob. JSON
// round-trips through the bolt and postgres backends turn the int into
// a float64, so both shapes are accepted.
func (m *Manager) ttlOf(sb *types.Sandbox) time.Duration {
	switch v := sb.Config[configKeyTTL].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v) * time.Second
	default:
		return m.cfg.DefaultTTL()
	}
}

func (m *Manager) resolveTTL(seconds int) (time.Duration, error) {
	if seconds == 0 {
		return m.cfg.DefaultTTL(), nil
	}
	if seconds < 0 || seconds > m.cfg.MaxTTLSeconds {
		return 0, errdefs.Validation("ttl_seconds must be in 1-%d", m.cfg.MaxTTLSeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

// containerSpec assembles the engine spec for a sandbox: image, the
// protocol environment, labels for reconciliation, resource limits.
func (m *Manager) containerSpec(sb *types.Sandbox) (driver.CreateSpec, error) {
	image := m.cfg.SandboxImageRef
	if v, ok := sb.Config[configKeyImage].(string); ok && v != "" {
		image = v
	}

	memBytes, err := m.cfg.MemoryLimitBytes()
	if err != nil {
		return driver.CreateSpec{}, err
	}

	return driver.CreateSpec{
		Name:  "sandbox-" + sb.ID,
		Image: image,
		Env: []string{
			types.EnvSandboxID + "=" + sb.ID,
			types.EnvUserID + "=" + sb.UserID,
			types.EnvS3Bucket + "=" + m.cfg.ObjectStoreBucket,
			types.EnvS3Region + "=" + m.cfg.ObjectStoreRegion,
			types.EnvHotPath + "=" + types.HotPath,
			types.EnvColdPath + "=" + types.ColdPath,
			fmt.Sprintf("%s=%d", types.EnvShutdownTimeout, m.cfg.ShutdownTimeoutSeconds),
		},
		Labels: map[string]string{
			m.labelKey(types.LabelSandboxID): sb.ID,
			m.labelKey(types.LabelUserID):    sb.UserID,
			m.labelKey(types.LabelCreatedAt): sb.CreatedAt.Format(time.RFC3339),
			m.labelKey(types.LabelManaged):   "true",
		},
		NanoCPUs:    int64(m.cfg.CPULimit * 1e9),
		MemoryBytes: memBytes,
		EnableFUSE:  true,
	}, nil
}

func (m *Manager) labelKey(name string) string {
	return m.cfg.ContainerLabelPrefix + "." + name
}

// removeContainer force-removes a sandbox's container on a fresh
// bounded context. Best effort.
func (m *Manager) removeContainer(sb *types.Sandbox) {
	if sb.ContainerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.driver.Remove(ctx, sb.ContainerID); err != nil {
		logger := log.WithSandboxID(sb.ID)
		logger.Warn().Err(err).Msg("Failed to remove container")
	}
}

func (m *Manager) publish(t events.EventType, sb *types.Sandbox, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(events.NewEvent(t, sb, msg))
}
