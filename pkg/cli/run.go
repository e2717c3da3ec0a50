package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/forkpool/forkpool/internal/runner"
	"github.com/forkpool/forkpool/pkg/config"
	"github.com/forkpool/forkpool/pkg/logger"
	"github.com/forkpool/forkpool/pkg/notifier"
	"github.com/forkpool/forkpool/pkg/signals"
	"github.com/forkpool/forkpool/pkg/state"
	"github.com/forkpool/forkpool/pkg/supervisor"
)

// demoWork is how long the built-in worker runs when no command is given.
const demoWork = 2 * time.Second

func (c *CLI) newRunCmd() *cobra.Command {
	var watchConfig bool
	d := config.Default()

	cmd := &cobra.Command{
		Use:   "run [flags] [-- command [args...]]",
		Short: "Run a control process keeping the worker pool full",
		Long: `Run a control process that keeps up to --max-workers workers alive.
Each worker runs the command once; without a command it runs a short
built-in demo job. Send SIGHUP to restart in place, SIGTERM to drain
the pool and stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRun(cmd.Context(), args, watchConfig)
		},
	}

	flags := cmd.Flags()
	flags.Int("max-workers", d.MaxWorkers, "maximum number of concurrent workers")
	flags.Int("time-limit", d.WorkerTimeLimit, "worker time limit in seconds (0 = unlimited)")
	flags.Int("tick", d.TickInterval, "tick interval in microseconds")
	flags.Bool("daemon", d.Daemonize, "detach from the terminal and run as a daemon")
	flags.String("log", d.LogDestination, "log destination: stdout, stderr or a file path (empty disables)")
	flags.Bool("debug", d.DebugLogging, "include internal messages in the log")
	flags.Bool("notify", d.Notifications, "send desktop notifications for overruns and shutdown")
	flags.BoolVar(&watchConfig, "watch-config", false, "restart when the config file changes")

	return cmd
}

func (c *CLI) runRun(ctx context.Context, command []string, watchConfig bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	log := logger.CreateLogger(cfg.LogDestination, logger.LevelFor(cfg.DebugLogging))
	opts := []supervisor.Option{
		supervisor.WithLogger(log),
		supervisor.WithStateManager(state.NewStateManager(cfg.StateDir, log)),
		supervisor.WithNotifier(notifier.New(notifier.Config{
			Enabled: cfg.Notifications,
			Sound:   cfg.Notifications,
		}, log)),
	}
	opts = append(opts, c.supervisorOptions...)

	sup, err := supervisor.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer sup.Close()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, loopCtx := runner.NewSafeGroup(loopCtx, sup.Logger())

	if watchConfig && sup.IsControl() {
		rm, err := c.watchConfig(sup.Logger())
		if err != nil {
			return err
		}
		g.Go(func() error {
			return rm.Watch(loopCtx)
		})
	}

	g.Go(func() error {
		defer cancel()

		for sup.RunControlCode() {
			if loopCtx.Err() != nil {
				sup.Shutdown(false)
				continue
			}
			fill(loopCtx, sup)
		}

		if sup.RunThreadCode() {
			return runWorker(loopCtx, sup, command)
		}
		return nil
	})

	return g.Wait()
}

// fill spawns workers until the pool is at capacity or a launch fails.
func fill(ctx context.Context, sup *supervisor.Supervisor) {
	for sup.CanSpawn() {
		if _, err := sup.Spawn(ctx, ""); err != nil {
			sup.Logger().Error("Could not spawn worker", logger.WithField("error", err))
			return
		}
	}
}

func runWorker(ctx context.Context, sup *supervisor.Supervisor, command []string) error {
	log := sup.Logger()
	if len(command) == 0 {
		log.Info("Running demo job", logger.WithField("duration", demoWork))
		select {
		case <-time.After(demoWork):
		case <-ctx.Done():
		}
		return nil
	}

	// A time-limit kill or an interrupt reaches the worker, not its
	// command, so the command's group goes down before the worker exits.
	// Callbacks only run from wait, after Start.
	job := newJob(ctx, command)
	stop := func() { job.stop(commandGrace) }
	sup.On(signals.OS(signals.Terminate), stop)
	sup.On(signals.OS(syscall.SIGINT), stop)

	if err := job.cmd.Start(); err != nil {
		return fmt.Errorf("worker command failed: %w", err)
	}
	log.Debug("Worker command started", logger.WithField("pid", job.cmd.Process.Pid))

	return job.wait(sup, log)
}

// commandGrace is how long a terminated command may take before SIGKILL.
const commandGrace = 5 * time.Second

// workerPoll is how often a worker drains its signal table while the
// command runs.
const workerPoll = 50 * time.Millisecond

// job is one command run by a worker, in a process group of its own.
type job struct {
	cmd        *exec.Cmd
	done       chan error
	finished   bool
	terminated bool
	result     error
	start      time.Time
}

func newJob(ctx context.Context, command []string) *job {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	return &job{cmd: cmd, done: make(chan error, 1), start: time.Now()}
}

// wait drains the worker's signal table until the command finished.
func (j *job) wait(sup *supervisor.Supervisor, log logger.Logger) error {
	go func() { j.done <- j.cmd.Wait() }()

	ticker := time.NewTicker(workerPoll)
	defer ticker.Stop()

	for !j.finished {
		select {
		case err := <-j.done:
			j.finished = true
			j.result = err
		case <-ticker.C:
			sup.Signals().Drain()
		}
	}

	elapsed := logger.WithField("duration_ms", time.Since(j.start).Milliseconds())
	switch {
	case j.terminated:
		log.Info("Worker command terminated", elapsed)
		return nil
	case j.result != nil:
		return fmt.Errorf("worker command failed: %w", j.result)
	}
	log.Debug("Worker command finished", elapsed)
	return nil
}

// stop sends SIGTERM to the command's group and waits for it, escalating
// to SIGKILL after grace.
func (j *job) stop(grace time.Duration) {
	if j.finished {
		return
	}
	pid := j.cmd.Process.Pid
	_ = killGroup(pid, syscall.SIGTERM)

	select {
	case j.result = <-j.done:
	case <-time.After(grace):
		_ = killGroup(pid, syscall.SIGKILL)
		j.result = <-j.done
	}
	j.finished = true
	j.terminated = true
}

func killGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// watchConfig builds a reload manager that raises SIGHUP on this process
// when the config file changes, so the reload runs through the restart
// callback at the next tick.
func (c *CLI) watchConfig(log logger.Logger) (*config.ReloadManager, error) {
	path := c.viper.ConfigFileUsed()
	if path == "" {
		return nil, fmt.Errorf("--watch-config needs a config file")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	rm := config.NewReloadManager(path, log)
	rm.AddCallback(func(_ *config.Config, err error) {
		if err != nil {
			log.Warn("Ignoring config change", logger.WithField("error", err))
			return
		}
		if err := unix.Kill(os.Getpid(), signals.HangUp); err != nil {
			log.Error("Could not request restart", logger.WithField("error", err))
		}
	})
	return rm, nil
}
