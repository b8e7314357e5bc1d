package agent

import (
	"os"
	"strconv"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// defaultShutdownTimeout applies when the control plane did not inject
// SHUTDOWN_TIMEOUT_SECONDS. It matches the daemon's default.
const defaultShutdownTimeout = 30 * time.Second

// Env is the contract the control plane injects into the container.
type Env struct {
	SandboxID       string
	UserID          string
	Bucket          string
	Region          string
	HotPath         string
	ColdPath        string
	ShutdownTimeout time.Duration
}

// LoadEnv reads and validates the process environment. Identity and
// bucket variables are required; paths and the shutdown budget fall
// back to protocol defaults.
func LoadEnv() (Env, error) {
	env := Env{
		SandboxID:       os.Getenv(types.EnvSandboxID),
		UserID:          os.Getenv(types.EnvUserID),
		Bucket:          os.Getenv(types.EnvS3Bucket),
		Region:          os.Getenv(types.EnvS3Region),
		HotPath:         os.Getenv(types.EnvHotPath),
		ColdPath:        os.Getenv(types.EnvColdPath),
		ShutdownTimeout: defaultShutdownTimeout,
	}

	for _, required := range []struct {
		name, value string
	}{
		{types.EnvSandboxID, env.SandboxID},
		{types.EnvUserID, env.UserID},
		{types.EnvS3Bucket, env.Bucket},
		{types.EnvS3Region, env.Region},
	} {
		if required.value == "" {
			return Env{}, errdefs.Validation("%s is not set", required.name)
		}
	}

	if env.HotPath == "" {
		env.HotPath = types.HotPath
	}
	if env.ColdPath == "" {
		env.ColdPath = types.ColdPath
	}

	if raw := os.Getenv(types.EnvShutdownTimeout); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Env{}, errdefs.Validation("%s must be a positive integer, got %q", types.EnvShutdownTimeout, raw)
		}
		env.ShutdownTimeout = time.Duration(seconds) * time.Second
	}

	return env, nil
}

// hotPrefix is the S3 prefix the hot tier mirrors against.
func (e Env) hotPrefix() string {
	return "users/" + e.UserID + "/hot/"
}

// coldPrefix is the S3 prefix the cold tier mounts.
func (e Env) coldPrefix() string {
	return "users/" + e.UserID + "/cold/"
}
