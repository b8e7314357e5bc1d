// Integration tests against a live docker daemon. Gated behind
// MATRX_DOCKER_INTEGRATION=1 so CI without docker stays green:
//
//	MATRX_DOCKER_INTEGRATION=1 go test ./test/integration/...
package integration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armanisadeghi/matrx-sandbox/pkg/driver"
	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/log"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// testImage must carry a shell; the exec path wraps every command in
// bash.
const testImage = "ubuntu:24.04"

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func liveDriver(t *testing.T) *driver.DockerDriver {
	t.Helper()
	if os.Getenv("MATRX_DOCKER_INTEGRATION") != "1" {
		t.Skip("set MATRX_DOCKER_INTEGRATION=1 to run docker integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := driver.NewDockerDriver(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Ping(ctx))
	return d
}

func createTestContainer(t *testing.T, d *driver.DockerDriver, labels map[string]string) string {
	t.Helper()
	ctx := context.Background()

	spec := driver.CreateSpec{
		Name:   fmt.Sprintf("matrx-itest-%d", time.Now().UnixNano()),
		Image:  testImage,
		Env:    []string{"SANDBOX_ID=itest"},
		Labels: labels,
	}
	id, err := d.Create(ctx, spec)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Stop(ctx, id, time.Second)
		d.Remove(ctx, id)
	})
	require.NoError(t, d.Start(ctx, id))
	return id
}

func TestDockerLifecycle(t *testing.T) {
	d := liveDriver(t)
	ctx := context.Background()

	id := createTestContainer(t, d, map[string]string{"matrx.itest": "true"})

	st, err := d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Running)

	require.NoError(t, d.Stop(ctx, id, 5*time.Second))
	st, err = d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.False(t, st.Running)

	require.NoError(t, d.Remove(ctx, id))
	_, err = d.Inspect(ctx, id)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDockerExecTracksWorkingDir(t *testing.T) {
	d := liveDriver(t)
	ctx := context.Background()

	id := createTestContainer(t, d, map[string]string{"matrx.itest": "true"})

	res, err := d.Exec(ctx, id, types.ExecRequest{
		Command:    "echo hello",
		WorkingDir: "/tmp",
		Timeout:    30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "/tmp", res.WorkingDir)

	res, err = d.Exec(ctx, id, types.ExecRequest{
		Command:    "mkdir -p /tmp/project && cd /tmp/project && pwd",
		WorkingDir: "/tmp",
		Timeout:    30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "/tmp/project", res.WorkingDir, "cd inside the command should be reflected back")

	res, err = d.Exec(ctx, id, types.ExecRequest{
		Command:    "ls /does-not-exist",
		WorkingDir: "/tmp",
		Timeout:    30 * time.Second,
	})
	require.NoError(t, err)
	assert.NotZero(t, res.ExitCode)
	assert.Contains(t, res.Stderr, "does-not-exist")
}

func TestDockerExecTimeout(t *testing.T) {
	d := liveDriver(t)
	ctx := context.Background()

	id := createTestContainer(t, d, map[string]string{"matrx.itest": "true"})

	_, err := d.Exec(ctx, id, types.ExecRequest{
		Command: "sleep 30",
		Timeout: 2 * time.Second,
	})
	assert.True(t, errdefs.IsTimeout(err))
}

func TestDockerListByLabel(t *testing.T) {
	d := liveDriver(t)
	ctx := context.Background()

	label := fmt.Sprintf("itest-%d", time.Now().UnixNano())
	id := createTestContainer(t, d, map[string]string{"matrx.itest_group": label})

	infos, err := d.ListByLabel(ctx, "matrx.itest_group", label)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.True(t, strings.HasPrefix(infos[0].Name, "matrx-itest-"))
}
