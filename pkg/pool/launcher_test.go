package pool_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkpool/forkpool/pkg/pool"
	"github.com/forkpool/forkpool/pkg/role"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns real processes")
	}
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func TestCommandLauncher_ReapsExitedProcess(t *testing.T) {
	launcher := &pool.CommandLauncher{Path: lookPath(t, "true")}
	p := pool.New(pool.WithLauncher(launcher), pool.WithMaxWorkers(2), pool.WithTimeLimit(0))

	_, err := p.Spawn(context.Background(), "quick")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Count())

	require.Eventually(t, func() bool {
		p.Reap()
		return p.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCommandLauncher_TimeLimitTerminates(t *testing.T) {
	launcher := &pool.CommandLauncher{Path: lookPath(t, "sleep"), Args: []string{"30"}}
	p := pool.New(pool.WithLauncher(launcher), pool.WithTimeLimit(50*time.Millisecond))

	out, err := p.Spawn(context.Background(), "sleeper")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.Reap())
	assert.Equal(t, 0, p.Count())
	assert.Equal(t, 1, p.Detached())

	require.Eventually(t, func() bool {
		p.Reap()
		return p.Detached() == 0
	}, 5*time.Second, 10*time.Millisecond, "worker %d should die from SIGTERM", out.Worker.Pid)
}

func TestCommandLauncher_PassesRole(t *testing.T) {
	path := lookPath(t, "env")
	stdout, err := os.Create(filepath.Join(t.TempDir(), "env.out"))
	require.NoError(t, err)
	defer stdout.Close()

	launcher := &pool.CommandLauncher{
		Path:   path,
		Env:    []string{"PATH=/usr/bin:/bin", role.EnvWorkerName + "=stale"},
		Stdout: stdout,
	}
	p := pool.New(pool.WithLauncher(launcher), pool.WithControlPID(4242))

	_, err = p.Spawn(context.Background(), "envcheck")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p.Reap()
		return p.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(stdout.Name())
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, role.EnvControlPID+"=4242")
	assert.Contains(t, out, role.EnvWorkerName+"=envcheck")
	assert.Equal(t, 1, strings.Count(out, role.EnvWorkerName+"="))
}

func TestCommandLauncher_MissingBinary(t *testing.T) {
	launcher := &pool.CommandLauncher{Path: "/nonexistent/forkpool-worker"}
	p := pool.New(pool.WithLauncher(launcher))

	_, err := p.Spawn(context.Background(), "")
	assert.ErrorIs(t, err, pool.ErrLaunch)
	assert.Equal(t, 0, p.Count())
}

func TestSelfLauncher(t *testing.T) {
	l, err := pool.SelfLauncher()
	require.NoError(t, err)
	assert.NotEmpty(t, l.Path)
}
