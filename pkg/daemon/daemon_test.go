package daemon_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/forkpool/forkpool/pkg/daemon"
	"github.com/forkpool/forkpool/pkg/mocks"
)

func lookupWith(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDetach_DetachedCopyVerifiesSession(t *testing.T) {
	res, err := daemon.Detach(daemon.Options{
		Path:   "/unused",
		Lookup: lookupWith(map[string]string{daemon.EnvDaemon: "1"}),
		Exit:   func(int) { t.Fatal("detached copy must not exit") },
	})
	require.NoError(t, err)

	sid, err := unix.Getsid(0)
	require.NoError(t, err)
	assert.Equal(t, sid, res.SessionID)
	assert.True(t, res.IsDaemon())
}

func TestDetach_LauncherExits(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}

	exitCode := -1
	log := mocks.NewRecordingLogger()
	res, err := daemon.Detach(daemon.Options{
		Path:   truePath,
		Args:   []string{},
		Env:    []string{daemon.EnvDaemon + "=0"},
		Lookup: lookupWith(nil),
		Exit:   func(code int) { exitCode = code },
		Logger: log,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, exitCode)
	assert.Greater(t, res.ChildPid, 0)
	assert.False(t, res.IsDaemon())
	assert.True(t, log.Contains("info", "Detached daemon started"))

	var status syscall.WaitStatus
	_, _ = syscall.Wait4(res.ChildPid, &status, 0, nil)
}

func TestDetach_LaunchFailureIsFatal(t *testing.T) {
	exited := false
	_, err := daemon.Detach(daemon.Options{
		Path:   "/nonexistent/forkpool",
		Lookup: lookupWith(nil),
		Exit:   func(int) { exited = true },
	})

	assert.ErrorIs(t, err, daemon.ErrDetachFailed)
	assert.False(t, exited)
}

func TestPIDFile_WriteRead(t *testing.T) {
	f := daemon.NewPIDFile(filepath.Join(t.TempDir(), "state"))

	info := daemon.PIDInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Args:      []string{"run", "--max-workers", "2"},
	}
	require.NoError(t, f.Write(info))

	got, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, info.PID, got.PID)
	assert.Equal(t, info.Args, got.Args)
	assert.True(t, info.StartedAt.Equal(got.StartedAt))

	running, ok := f.Running()
	assert.True(t, ok)
	assert.Equal(t, os.Getpid(), running.PID)
}

func TestPIDFile_RefusesLiveOwner(t *testing.T) {
	f := daemon.NewPIDFile(t.TempDir())
	require.NoError(t, f.Write(daemon.PIDInfo{PID: os.Getpid()}))

	err := f.Write(daemon.PIDInfo{PID: os.Getpid() + 100000})
	assert.ErrorIs(t, err, daemon.ErrDaemonAlreadyRunning)

	// The owner itself may rewrite it, e.g. after re-executing in place.
	assert.NoError(t, f.Write(daemon.PIDInfo{PID: os.Getpid()}))
}

func TestPIDFile_Remove(t *testing.T) {
	f := daemon.NewPIDFile(t.TempDir())
	require.NoError(t, f.Write(daemon.PIDInfo{PID: os.Getpid()}))

	f.Remove(os.Getpid() + 1)
	_, err := os.Stat(f.Path())
	assert.NoError(t, err, "someone else's pid must not remove the file")

	f.Remove(os.Getpid())
	_, err = os.Stat(f.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_SignalNotRunning(t *testing.T) {
	f := daemon.NewPIDFile(t.TempDir())

	_, err := f.Signal(syscall.SIGTERM)
	assert.ErrorIs(t, err, daemon.ErrDaemonNotRunning)
}

func TestPIDFile_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, daemon.PIDFileName), []byte("not json"), 0644))

	f := daemon.NewPIDFile(dir)
	_, err := f.Read()
	assert.Error(t, err)
	_, ok := f.Running()
	assert.False(t, ok)
}

func TestAlive(t *testing.T) {
	assert.True(t, daemon.Alive(os.Getpid()))
}
