package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
)

// mountHelper is the FUSE binary baked into the sandbox image
// (mountpoint-s3). The cold tier stays unmounted when it is absent.
const mountHelper = "mount-s3"

// mountCold mounts the user's cold prefix at ColdPath.
func mountCold(ctx context.Context, env Env) error {
	if _, err := exec.LookPath(mountHelper); err != nil {
		return fmt.Errorf("%s not found in image: %w", mountHelper, err)
	}
	if err := os.MkdirAll(env.ColdPath, 0o755); err != nil {
		return fmt.Errorf("failed to create cold path: %w", err)
	}

	cmd := exec.CommandContext(ctx, mountHelper,
		"--region", env.Region,
		"--prefix", env.coldPrefix(),
		"--allow-delete",
		env.Bucket, env.ColdPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mount failed: %w: %s", err, out)
	}

	logger := log.WithComponent("agent")
	logger.Info().
		Str("path", env.ColdPath).
		Msg("Cold tier mounted")
	return nil
}

// unmountCold detaches the cold tier. mount-s3 flushes on unmount, so
// this runs before the container exits.
func unmountCold(ctx context.Context, env Env) error {
	if _, err := os.Stat(env.ColdPath); err != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "umount", env.ColdPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("umount failed: %w: %s", err, out)
	}
	return nil
}
