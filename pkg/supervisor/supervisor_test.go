package supervisor_test

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/forkpool/forkpool/pkg/config"
	"github.com/forkpool/forkpool/pkg/mocks"
	"github.com/forkpool/forkpool/pkg/notifier"
	"github.com/forkpool/forkpool/pkg/pool"
	"github.com/forkpool/forkpool/pkg/role"
	"github.com/forkpool/forkpool/pkg/signals"
	"github.com/forkpool/forkpool/pkg/state"
	"github.com/forkpool/forkpool/pkg/supervisor"
)

func lookupWith(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

type execCall struct {
	path string
	argv []string
}

type fixture struct {
	sup      *supervisor.Supervisor
	launcher *mocks.FakeLauncher
	clock    *mocks.FakeClock
	log      *mocks.RecordingLogger
	exits    []int
	execs    []execCall
	execErr  error
	onSleep  func()
	sleeps   int
}

func newFixture(t *testing.T, cfg *config.Config, opts ...supervisor.Option) *fixture {
	t.Helper()

	f := &fixture{
		launcher: mocks.NewFakeLauncher(2000),
		clock:    mocks.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		log:      mocks.NewRecordingLogger(),
	}
	base := []supervisor.Option{
		supervisor.WithLogger(f.log),
		supervisor.WithLauncher(f.launcher),
		supervisor.WithClock(f.clock.Now),
		supervisor.WithLookup(lookupWith(nil)),
		supervisor.WithCommand("/usr/local/bin/forkpool", []string{"forkpool", "run", "--max-workers", "2"}),
		supervisor.WithExit(func(code int) { f.exits = append(f.exits, code) }),
		supervisor.WithExec(func(path string, argv, _ []string) error {
			f.execs = append(f.execs, execCall{path, argv})
			return f.execErr
		}),
		supervisor.WithSleep(func(time.Duration) {
			f.sleeps++
			if f.onSleep != nil {
				f.onSleep()
			}
		}),
	}

	sup, err := supervisor.New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(sup.Close)
	f.sup = sup
	return f
}

func testConfig(maxWorkers, limitSeconds int) *config.Config {
	cfg := config.Default()
	cfg.MaxWorkers = maxWorkers
	cfg.WorkerTimeLimit = limitSeconds
	return cfg
}

func TestNew_ControlRegistersBuiltins(t *testing.T) {
	f := newFixture(t, testConfig(2, 0))

	assert.True(t, f.sup.IsControl())
	assert.Equal(t, role.Control, f.sup.Role())
	assert.Equal(t, role.ControlLabel, f.sup.WorkerName())
	assert.False(t, f.sup.IsDaemon())
	assert.False(t, f.sup.Completed())

	table := f.sup.Signals()
	for _, sig := range []syscall.Signal{syscall.SIGCHLD, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2} {
		assert.True(t, table.Registered(signals.OS(sig)), "expected %s registered", sig)
	}
	assert.True(t, f.log.Contains("info", "Control process"))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxWorkers = -1

	_, err := supervisor.New(cfg, supervisor.WithLogger(mocks.NewRecordingLogger()))
	assert.ErrorIs(t, err, supervisor.ErrStartup)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNew_UserSignalCannotReplaceBuiltin(t *testing.T) {
	for _, name := range []string{"TERM", "HUP", "CHLD"} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			cfg.UserSignals = []string{"USR1", name}

			_, err := supervisor.New(cfg, supervisor.WithLogger(mocks.NewRecordingLogger()))
			assert.ErrorIs(t, err, supervisor.ErrStartup)
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestNew_InvalidControlPid(t *testing.T) {
	_, err := supervisor.New(config.Default(),
		supervisor.WithLogger(mocks.NewRecordingLogger()),
		supervisor.WithLookup(lookupWith(map[string]string{role.EnvControlPID: "nope"})))
	assert.ErrorIs(t, err, supervisor.ErrStartup)
}

func TestNew_Worker(t *testing.T) {
	env := map[string]string{role.EnvControlPID: "1", role.EnvWorkerName: "resizer"}
	f := newFixture(t, testConfig(2, 0),
		supervisor.WithLookup(lookupWith(env)),
		supervisor.WithPID(func() int { return 500 }))

	assert.False(t, f.sup.IsControl())
	assert.Equal(t, role.Worker, f.sup.Role())
	assert.Equal(t, "resizer", f.sup.WorkerName())

	assert.False(t, f.sup.RunControlCode())
	assert.True(t, f.sup.RunThreadCode())
	assert.False(t, f.sup.CanSpawn())

	out, err := f.sup.Spawn(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, role.Worker, out.As)
	assert.Equal(t, "resizer", out.Label)
	assert.Empty(t, f.launcher.Specs())
}

func TestRunThreadCode_NegatesIsControl(t *testing.T) {
	f := newFixture(t, testConfig(2, 0))

	assert.Equal(t, !f.sup.IsControl(), f.sup.RunThreadCode())
	assert.False(t, f.sup.RunThreadCode())
}

func TestScenario_CapacityRecoveryThroughTick(t *testing.T) {
	f := newFixture(t, testConfig(2, 0))
	ctx := context.Background()

	out, err := f.sup.Spawn(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, role.Control, out.As)
	assert.Equal(t, 1, f.sup.Count())

	_, err = f.sup.Spawn(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, f.sup.Count())

	_, err = f.sup.Spawn(ctx, "c")
	assert.ErrorIs(t, err, pool.ErrAtCapacity)
	assert.Equal(t, 2, f.sup.Count())

	f.launcher.Named("a").Exit()
	f.sup.Tick()
	assert.Equal(t, 1, f.sup.Count())

	_, err = f.sup.Spawn(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, f.sup.Count())
}

func TestTick_DeferredDispatch(t *testing.T) {
	f := newFixture(t, testConfig(2, 0))

	calls := 0
	f.sup.On(signals.OS(syscall.SIGUSR1), func() { calls++ })

	require.NoError(t, unix.Kill(os.Getpid(), syscall.SIGUSR1))
	require.Eventually(t, func() bool {
		return f.sup.Signals().Pending() > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, calls, "delivery alone must not run the callback")

	f.sup.Tick()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, f.sleeps)

	f.sup.Tick()
	assert.Equal(t, 1, calls)
}

func TestRunControlCode_ShutdownEventOnce(t *testing.T) {
	f := newFixture(t, testConfig(2, 0))

	shutdowns := 0
	f.sup.On(signals.Synthetic(signals.EventShutdown), func() { shutdowns++ })

	assert.True(t, f.sup.RunControlCode())
	assert.Equal(t, 0, shutdowns)

	f.sup.Shutdown(false)
	assert.False(t, f.sup.RunControlCode())
	assert.False(t, f.sup.RunControlCode())
	assert.Equal(t, 1, shutdowns)
	assert.Empty(t, f.exits)
}

func TestShutdown_Barrier(t *testing.T) {
	f := newFixture(t, testConfig(3, 0))
	ctx := context.Background()

	_, _ = f.sup.Spawn(ctx, "a")
	_, _ = f.sup.Spawn(ctx, "b")

	f.onSleep = func() {
		assert.False(t, f.sup.Completed(), "completed while %d workers alive", f.sup.Count())
		switch f.sleeps {
		case 2:
			f.launcher.Named("a").Exit()
		case 4:
			f.launcher.Named("b").Exit()
		}
	}

	f.sup.Shutdown(true)

	assert.True(t, f.sup.Completed())
	assert.Equal(t, 0, f.sup.Count())
	assert.Equal(t, 4, f.sleeps)
	assert.Equal(t, []int{0}, f.exits)
}

func TestShutdown_EmptyPoolCompletesImmediately(t *testing.T) {
	f := newFixture(t, testConfig(3, 0))

	f.sup.Shutdown(false)

	assert.True(t, f.sup.Completed())
	assert.Equal(t, 0, f.sleeps)
	assert.Empty(t, f.exits)
}

func TestTerminateSignal_ShutsDownThenExits(t *testing.T) {
	f := newFixture(t, testConfig(3, 0))
	_, _ = f.sup.Spawn(context.Background(), "a")
	f.onSleep = func() { f.launcher.ExitAll() }

	f.sup.Signals().Dispatch(signals.OS(syscall.SIGTERM))

	assert.True(t, f.sup.Completed())
	assert.Equal(t, []int{0}, f.exits)
}

func TestChildExitedSignal_Reaps(t *testing.T) {
	f := newFixture(t, testConfig(3, 0))
	_, _ = f.sup.Spawn(context.Background(), "a")
	f.launcher.Named("a").Exit()

	f.sup.Signals().Dispatch(signals.OS(syscall.SIGCHLD))
	assert.Equal(t, 0, f.sup.Count())
}

func TestRestart_ReexecutesLaunchCommand(t *testing.T) {
	f := newFixture(t, testConfig(3, 0))
	_, _ = f.sup.Spawn(context.Background(), "a")
	f.onSleep = func() { f.launcher.ExitAll() }

	f.sup.Signals().Dispatch(signals.OS(syscall.SIGHUP))

	require.Len(t, f.execs, 1)
	assert.Equal(t, "/usr/local/bin/forkpool", f.execs[0].path)
	assert.Equal(t, []string{"forkpool", "run", "--max-workers", "2"}, f.execs[0].argv)
	assert.Equal(t, 0, f.sup.Count(), "pool drained before exec")
	assert.False(t, f.sup.Completed())
	assert.Empty(t, f.exits)
}

func TestRestart_UnknownCommandShutsDown(t *testing.T) {
	f := newFixture(t, testConfig(3, 0), supervisor.WithCommand("", nil))

	f.sup.Restart()

	assert.Empty(t, f.execs)
	assert.True(t, f.sup.Completed())
	assert.Equal(t, []int{0}, f.exits)
}

func TestRestart_ExecFailureShutsDown(t *testing.T) {
	f := newFixture(t, testConfig(3, 0))
	f.execErr = errors.New("exec format error")

	f.sup.Restart()

	assert.Len(t, f.execs, 1)
	assert.True(t, f.sup.Completed())
	assert.Equal(t, []int{0}, f.exits)
	assert.True(t, f.log.Contains("error", "Restart failed"))
}

func TestTimeLimit_DispatchesAndNotifies(t *testing.T) {
	var notes []string
	n := notifier.New(notifier.Config{Enabled: true}, nil,
		notifier.WithSender(func(title, _ string) error {
			notes = append(notes, title)
			return nil
		}))
	f := newFixture(t, testConfig(3, 5), supervisor.WithNotifier(n))

	overruns := 0
	f.sup.On(signals.Synthetic(signals.EventTimeLimit), func() { overruns++ })

	_, err := f.sup.Spawn(context.Background(), "x")
	require.NoError(t, err)

	f.clock.Advance(6 * time.Second)
	f.sup.Tick()

	assert.Equal(t, 1, overruns)
	assert.Equal(t, 0, f.sup.Count())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, f.launcher.Named("x").Signals())
	assert.Equal(t, []string{"Worker time limit exceeded"}, notes)
}

func TestTick_PersistsState(t *testing.T) {
	sm := state.NewStateManager(t.TempDir(), nil)
	f := newFixture(t, testConfig(3, 0), supervisor.WithStateManager(sm))

	_, err := f.sup.Spawn(context.Background(), "a")
	require.NoError(t, err)
	f.sup.Tick()

	st, err := sm.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.ControlPID)
	require.Len(t, st.Workers, 1)
	assert.Equal(t, "a", st.Workers[0].Key)
	assert.False(t, st.Completed)

	f.launcher.ExitAll()
	f.sup.Shutdown(false)

	st, err = sm.Read()
	require.NoError(t, err)
	assert.True(t, st.Completed)
	assert.Empty(t, st.Workers)
}

func TestSpawn_DuplicateName(t *testing.T) {
	f := newFixture(t, testConfig(3, 0))

	_, err := f.sup.Spawn(context.Background(), "a")
	require.NoError(t, err)
	_, err = f.sup.Spawn(context.Background(), "a")
	assert.ErrorIs(t, err, pool.ErrDuplicateName)
	assert.Equal(t, 1, f.sup.Count())
}
