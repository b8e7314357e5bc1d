// Package probe polls a sandbox container until the in-container agent
// reports readiness by writing its marker file.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/driver"
	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// Result is the outcome of a single readiness check.
type Result struct {
	Ready     bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration

	// Err carries the probe transport failure, if any. An invalid-state
	// or not-found error means the container is gone and polling should
	// stop.
	Err error
}

// Checker performs one readiness check.
type Checker interface {
	Check(ctx context.Context) Result
}

// Config bounds the readiness poll.
type Config struct {
	// Interval is the time between checks.
	Interval time.Duration

	// Timeout is the total readiness budget.
	Timeout time.Duration

	// ExecTimeout bounds each individual probe exec.
	ExecTimeout time.Duration
}

// DefaultConfig matches the agent's expected startup envelope: hot sync
// plus mount normally complete well inside a minute.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		Timeout:     60 * time.Second,
		ExecTimeout: 10 * time.Second,
	}
}

// MarkerProbe checks for the agent's readiness marker file by exec'ing
// a test command through the container driver.
type MarkerProbe struct {
	Driver      driver.Driver
	ContainerID string

	// MarkerPath defaults to types.ReadyMarkerPath.
	MarkerPath string

	// ExecTimeout bounds the probe exec; zero means 10s.
	ExecTimeout time.Duration
}

func (p *MarkerProbe) Check(ctx context.Context) Result {
	start := time.Now()

	marker := p.MarkerPath
	if marker == "" {
		marker = types.ReadyMarkerPath
	}
	timeout := p.ExecTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	res, err := p.Driver.Exec(ctx, p.ContainerID, types.ExecRequest{
		Command: "test -f " + marker,
		Timeout: timeout,
	})
	if err != nil {
		return Result{
			Message:   err.Error(),
			CheckedAt: start,
			Duration:  time.Since(start),
			Err:       err,
		}
	}

	return Result{
		Ready:     res.ExitCode == 0,
		Message:   fmt.Sprintf("marker check exited %d", res.ExitCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WaitReady polls the checker until it reports ready, the budget runs
// out (errdefs.ErrTimeout), or the container turns out to be gone (the
// checker's fatal error is returned as-is). The first check runs
// immediately.
func WaitReady(ctx context.Context, c Checker, cfg Config) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	budget := time.NewTimer(cfg.Timeout)
	defer budget.Stop()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		res := c.Check(ctx)
		if res.Ready {
			return nil
		}
		if res.Err != nil && (errdefs.IsInvalidState(res.Err) || errdefs.IsNotFound(res.Err)) {
			return res.Err
		}

		select {
		case <-ctx.Done():
			return errdefs.Timeout("readiness poll canceled: %v", ctx.Err())
		case <-budget.C:
			return errdefs.Timeout("sandbox not ready within %s (last: %s)", cfg.Timeout, res.Message)
		case <-ticker.C:
		}
	}
}
