package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

func setProtocolEnv(t *testing.T) {
	t.Helper()
	t.Setenv(types.EnvSandboxID, "sbx-0123456789ab")
	t.Setenv(types.EnvUserID, "u-alice")
	t.Setenv(types.EnvS3Bucket, "matrx-sandboxes")
	t.Setenv(types.EnvS3Region, "us-east-1")
	t.Setenv(types.EnvHotPath, "")
	t.Setenv(types.EnvColdPath, "")
	t.Setenv(types.EnvShutdownTimeout, "")
}

func TestLoadEnv(t *testing.T) {
	setProtocolEnv(t)
	t.Setenv(types.EnvShutdownTimeout, "45")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "sbx-0123456789ab", env.SandboxID)
	assert.Equal(t, "u-alice", env.UserID)
	assert.Equal(t, types.HotPath, env.HotPath, "hot path should default")
	assert.Equal(t, types.ColdPath, env.ColdPath, "cold path should default")
	assert.Equal(t, 45*time.Second, env.ShutdownTimeout)
	assert.Equal(t, "users/u-alice/hot/", env.hotPrefix())
	assert.Equal(t, "users/u-alice/cold/", env.coldPrefix())
}

func TestLoadEnvDefaultsShutdownTimeout(t *testing.T) {
	setProtocolEnv(t)

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, defaultShutdownTimeout, env.ShutdownTimeout)
}

func TestLoadEnvRejectsMissingIdentity(t *testing.T) {
	for _, name := range []string{
		types.EnvSandboxID,
		types.EnvUserID,
		types.EnvS3Bucket,
		types.EnvS3Region,
	} {
		t.Run(name, func(t *testing.T) {
			setProtocolEnv(t)
			t.Setenv(name, "")

			_, err := LoadEnv()
			require.Error(t, err)
			assert.True(t, errdefs.IsValidation(err))
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoadEnvRejectsBadShutdownTimeout(t *testing.T) {
	for _, raw := range []string{"soon", "-5", "0"} {
		setProtocolEnv(t)
		t.Setenv(types.EnvShutdownTimeout, raw)

		_, err := LoadEnv()
		assert.True(t, errdefs.IsValidation(err), "value %q", raw)
	}
}

// testAgent wires an agent against an in-memory bucket with every
// host-touching path redirected into a temp dir.
func testAgent(t *testing.T, bucket *fakeBucket) *Agent {
	t.Helper()
	root := t.TempDir()
	env := Env{
		SandboxID:       "sbx-0123456789ab",
		UserID:          "u-alice",
		Bucket:          "test-bucket",
		Region:          "us-east-1",
		HotPath:         filepath.Join(root, "hot"),
		ColdPath:        filepath.Join(root, "cold"),
		ShutdownTimeout: 5 * time.Second,
	}
	a := New(env, NewSyncer(bucket, "test-bucket"))
	a.markerPath = filepath.Join(root, ".sandbox_ready")
	a.envFilePath = filepath.Join(root, "profile.d", "sandbox.sh")
	a.mountCold = func(context.Context) error { return nil }
	a.unmountCold = func(context.Context) error { return nil }
	return a
}

func TestStartupSyncsAndSignalsReady(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("users/u-alice/hot/notes.txt", "hello")

	a := testAgent(t, bucket)
	require.NoError(t, a.Startup(context.Background()))

	body, err := os.ReadFile(filepath.Join(a.env.HotPath, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	assert.FileExists(t, a.markerPath)

	envFile, err := os.ReadFile(a.envFilePath)
	require.NoError(t, err)
	assert.Contains(t, string(envFile), `export SANDBOX_ID="sbx-0123456789ab"`)
	assert.Contains(t, string(envFile), `export SHUTDOWN_TIMEOUT_SECONDS="5"`)
}

func TestStartupToleratesColdMountFailure(t *testing.T) {
	a := testAgent(t, newFakeBucket())
	a.mountCold = func(context.Context) error { return assert.AnError }

	require.NoError(t, a.Startup(context.Background()))
	assert.FileExists(t, a.markerPath, "sandbox should come up without the cold tier")
}

func TestStartupFailsWhenSyncExhausted(t *testing.T) {
	fastBackoff(t)
	bucket := newFakeBucket()
	bucket.listErrs = syncAttempts

	a := testAgent(t, bucket)
	err := a.Startup(context.Background())
	require.Error(t, err)
	assert.NoFileExists(t, a.markerPath, "readiness must not be signaled after a failed sync")
}

func TestShutdownRemovesMarkerAndSyncsUp(t *testing.T) {
	bucket := newFakeBucket()
	a := testAgent(t, bucket)
	require.NoError(t, a.Startup(context.Background()))

	writeLocal(t, a.env.HotPath, "result.json", `{"ok":true}`)

	ctx, cancel := context.WithTimeout(context.Background(), a.env.ShutdownTimeout)
	defer cancel()
	a.Shutdown(ctx)

	assert.NoFileExists(t, a.markerPath)
	assert.Contains(t, bucket.keys(), "users/u-alice/hot/result.json")
}

func TestRunFullLifecycle(t *testing.T) {
	bucket := newFakeBucket()
	a := testAgent(t, bucket)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(a.markerPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "agent should signal readiness")

	writeLocal(t, a.env.HotPath, "out.txt", "done")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not shut down")
	}

	assert.NoFileExists(t, a.markerPath)
	assert.Contains(t, bucket.keys(), "users/u-alice/hot/out.txt")
}
