package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// envFilePath is where the agent records its contract for interactive
// shells; the sandbox image sources it from /etc/profile.
const envFilePath = "/etc/profile.d/sandbox.sh"

// Agent drives the in-container half of the sandbox lifecycle.
type Agent struct {
	env    Env
	syncer *Syncer

	// Overridable for tests.
	markerPath  string
	envFilePath string
	mountCold   func(ctx context.Context) error
	unmountCold func(ctx context.Context) error
}

// New builds an agent for the given environment and syncer.
func New(env Env, syncer *Syncer) *Agent {
	a := &Agent{
		env:         env,
		syncer:      syncer,
		markerPath:  types.ReadyMarkerPath,
		envFilePath: envFilePath,
	}
	a.mountCold = func(ctx context.Context) error { return mountCold(ctx, a.env) }
	a.unmountCold = func(ctx context.Context) error { return unmountCold(ctx, a.env) }
	return a
}

// Run executes the full lifecycle: start up, block until ctx is
// canceled, then shut down within the configured budget. The returned
// error reflects startup only; shutdown problems are logged.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Startup(ctx); err != nil {
		return err
	}

	logger := log.WithComponent("agent")
	logger.Info().
		Str("sandbox_id", a.env.SandboxID).
		Msg("Sandbox ready, waiting for shutdown signal")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.env.ShutdownTimeout)
	defer cancel()
	a.Shutdown(shutdownCtx)
	return nil
}

// Startup brings the sandbox to the ready state: hot tier down, cold
// tier mounted best effort, env file and readiness marker written.
func (a *Agent) Startup(ctx context.Context) error {
	logger := log.WithComponent("agent")
	logger.Info().
		Str("sandbox_id", a.env.SandboxID).
		Str("user_id", a.env.UserID).
		Str("bucket", a.env.Bucket).
		Msg("Agent starting")

	if err := os.MkdirAll(a.env.HotPath, 0o755); err != nil {
		return fmt.Errorf("failed to create hot path: %w", err)
	}
	if err := a.syncer.SyncDown(ctx, a.env.hotPrefix(), a.env.HotPath); err != nil {
		return fmt.Errorf("hot tier sync down failed: %w", err)
	}

	// The sandbox is usable without the cold tier; a failed mount is
	// a warning, not a startup failure.
	if err := a.mountCold(ctx); err != nil {
		logger.Warn().Err(err).Msg("Cold tier mount failed, continuing without it")
	}

	if err := a.writeEnvFile(); err != nil {
		return err
	}
	if err := a.writeMarker(); err != nil {
		return err
	}

	return nil
}

// Shutdown tears the sandbox down. The marker goes first so readiness
// probes fail for the rest of teardown. Every step is best effort; the
// caller bounds the whole sequence with ctx.
func (a *Agent) Shutdown(ctx context.Context) {
	logger := log.WithComponent("agent")
	logger.Info().Str("sandbox_id", a.env.SandboxID).Msg("Agent shutting down")

	if err := os.Remove(a.markerPath); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("Failed to remove readiness marker")
	}

	if err := a.syncer.SyncUp(ctx, a.env.HotPath, a.env.hotPrefix()); err != nil {
		logger.Error().Err(err).Msg("Hot tier sync up failed, recent writes may be lost")
	}

	if err := a.unmountCold(ctx); err != nil {
		logger.Warn().Err(err).Msg("Cold tier unmount failed")
	}

	logger.Info().Str("sandbox_id", a.env.SandboxID).Msg("Agent stopped")
}

// writeEnvFile records the injected contract where login shells pick
// it up.
func (a *Agent) writeEnvFile() error {
	vars := map[string]string{
		types.EnvSandboxID:       a.env.SandboxID,
		types.EnvUserID:          a.env.UserID,
		types.EnvS3Bucket:        a.env.Bucket,
		types.EnvS3Region:        a.env.Region,
		types.EnvHotPath:         a.env.HotPath,
		types.EnvColdPath:        a.env.ColdPath,
		types.EnvShutdownTimeout: fmt.Sprintf("%d", int(a.env.ShutdownTimeout.Seconds())),
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var body []byte
	for _, name := range names {
		body = append(body, fmt.Sprintf("export %s=%q\n", name, vars[name])...)
	}

	if err := os.MkdirAll(filepath.Dir(a.envFilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create env file directory: %w", err)
	}
	if err := os.WriteFile(a.envFilePath, body, 0o644); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return nil
}

// writeMarker signals readiness to the control plane's probe.
func (a *Agent) writeMarker() error {
	if err := os.MkdirAll(filepath.Dir(a.markerPath), 0o755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	body := a.env.SandboxID + " " + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(a.markerPath, []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write readiness marker: %w", err)
	}
	return nil
}
