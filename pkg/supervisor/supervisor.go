// Package supervisor drives the lifecycle of a control process and its
// worker pool: the deferred signal dispatch loop, shutdown and restart.
//
// Workers are the same binary launched again with their role in the
// environment, so a program is written as
//
//	sup, err := supervisor.New(cfg)
//	...
//	for sup.RunControlCode() {
//		if sup.CanSpawn() {
//			sup.Spawn(ctx, "")
//		}
//	}
//	for sup.RunThreadCode() {
//		work()
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/forkpool/forkpool/pkg/config"
	"github.com/forkpool/forkpool/pkg/daemon"
	"github.com/forkpool/forkpool/pkg/logger"
	"github.com/forkpool/forkpool/pkg/notifier"
	"github.com/forkpool/forkpool/pkg/pool"
	"github.com/forkpool/forkpool/pkg/role"
	"github.com/forkpool/forkpool/pkg/signals"
	"github.com/forkpool/forkpool/pkg/state"
)

// ErrStartup wraps every condition that prevents a supervisor from starting.
var ErrStartup = errors.New("startup failed")

// Supervisor owns the role, the dispatch table and the pool of one process.
// It is not safe for concurrent use; all methods run on the owner's loop.
type Supervisor struct {
	cfg      *config.Config
	logger   logger.Logger
	role     *role.Model
	table    *signals.Table
	pool     *pool.Pool
	daemon   daemon.Result
	pidFile  *daemon.PIDFile
	states   *state.StateManager
	notifier *notifier.Notifier
	launcher pool.Launcher

	// path and argv are the launch command, argv[0] included. An empty path
	// means it could not be determined.
	path string
	argv []string

	lookup func(string) (string, bool)
	getpid func() int
	now    func() time.Time
	sleep  func(time.Duration)
	exit   func(int)
	exec   func(path string, argv, env []string) error

	startedAt    time.Time
	complete     bool
	shutdownSent bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. The default follows the configured log
// destination.
func WithLogger(log logger.Logger) Option {
	return func(s *Supervisor) {
		s.logger = log
	}
}

// WithLauncher replaces the self re-executing worker launcher.
func WithLauncher(l pool.Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// WithExit replaces os.Exit.
func WithExit(exit func(int)) Option {
	return func(s *Supervisor) {
		s.exit = exit
	}
}

// WithExec replaces unix.Exec for restarts.
func WithExec(exec func(path string, argv, env []string) error) Option {
	return func(s *Supervisor) {
		s.exec = exec
	}
}

// WithSleep replaces time.Sleep in Tick.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Supervisor) {
		s.sleep = sleep
	}
}

// WithStateManager persists pool snapshots after each tick.
func WithStateManager(sm *state.StateManager) Option {
	return func(s *Supervisor) {
		s.states = sm
	}
}

// WithNotifier reports time-limit kills, shutdown and restart.
func WithNotifier(n *notifier.Notifier) Option {
	return func(s *Supervisor) {
		s.notifier = n
	}
}

// WithCommand overrides the launch command captured from os.Args. An
// empty path makes Restart degrade to Shutdown.
func WithCommand(path string, argv []string) Option {
	return func(s *Supervisor) {
		s.path = path
		s.argv = argv
	}
}

// WithLookup replaces os.LookupEnv for role and daemon detection.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(s *Supervisor) {
		s.lookup = lookup
	}
}

// WithPID replaces os.Getpid for role detection.
func WithPID(getpid func() int) Option {
	return func(s *Supervisor) {
		s.getpid = getpid
	}
}

// New builds the supervisor for the calling process. In the control
// process it daemonizes when configured, registers the built-in signal
// callbacks and, as a daemon, writes the pid file. A worker process gets
// a supervisor whose RunControlCode returns false.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	s := &Supervisor{
		cfg:    cfg,
		lookup: os.LookupEnv,
		getpid: os.Getpid,
		now:    time.Now,
		sleep:  time.Sleep,
		exit:   os.Exit,
		exec:   unix.Exec,
		argv:   os.Args,
	}
	if exe, err := os.Executable(); err == nil {
		s.path = exe
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.CreateLogger(cfg.LogDestination, logger.LevelFor(cfg.DebugLogging))
	}

	model, err := role.Detect(s.lookup, role.WithPID(s.getpid))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	s.role = model

	if !model.IsControl() {
		s.logger = s.logger.WithWorker(model.WorkerName())
		s.table = signals.NewTable(s.logger, signals.WithExit(s.exit))
		s.pool = pool.New(pool.WithLogger(s.logger), pool.WithMaxWorkers(0))
		s.logger.Log("Worker started", true)
		return s, nil
	}

	if cfg.Daemonize {
		if err := s.detach(); err != nil {
			return nil, err
		}
	}

	s.startedAt = s.now()
	s.table = signals.NewTable(s.logger, signals.WithExit(s.exit))

	if s.launcher == nil && s.path != "" {
		s.launcher = &pool.CommandLauncher{Path: s.path, Args: s.args()}
	}
	s.pool = pool.New(
		pool.WithMaxWorkers(cfg.MaxWorkers),
		pool.WithTimeLimit(cfg.TimeLimit()),
		pool.WithLauncher(s.launcher),
		pool.WithDispatcher(s),
		pool.WithLogger(s.logger),
		pool.WithClock(s.now),
		pool.WithControlPID(s.role.ControlIdentity().Pid),
	)

	if err := s.registerBuiltins(); err != nil {
		s.table.Stop()
		return nil, err
	}

	if s.IsDaemon() {
		s.pidFile = daemon.NewPIDFile(cfg.StateDir)
		err := s.pidFile.Write(daemon.PIDInfo{
			PID:       s.getpid(),
			SessionID: s.daemon.SessionID,
			StartedAt: s.startedAt,
			Args:      s.args(),
		})
		if err != nil {
			s.table.Stop()
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}

	s.logger.Log(fmt.Sprintf("Control process %d started (max %d workers, time limit %s)",
		s.getpid(), cfg.MaxWorkers, cfg.TimeLimit()), false)
	return s, nil
}

func (s *Supervisor) detach() error {
	res, err := daemon.Detach(daemon.Options{
		Path:   s.path,
		Args:   s.args(),
		Lookup: s.lookup,
		Exit:   s.exit,
		Logger: s.logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if !res.IsDaemon() {
		return fmt.Errorf("%w: launcher returned after detaching pid %d", ErrStartup, res.ChildPid)
	}
	s.daemon = res
	return nil
}

func (s *Supervisor) registerBuiltins() error {
	s.table.Register(signals.OS(signals.ChildExited), func() {
		s.pool.Reap()
	})
	s.table.Register(signals.OS(signals.HangUp), s.Restart)
	s.table.Register(signals.OS(signals.Terminate), func() {
		s.Shutdown(false)
	})

	sigs, err := s.cfg.Signals()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	for _, sig := range sigs {
		s.table.Register(signals.OS(sig), nil)
	}
	return nil
}

func (s *Supervisor) args() []string {
	if len(s.argv) == 0 {
		return nil
	}
	return s.argv[1:]
}

// On registers cb for id, replacing the previous callback.
func (s *Supervisor) On(id signals.ID, cb signals.Callback) {
	s.table.Register(id, cb)
}

// Dispatch runs the callback for id. The pool reports time-limit events
// through it.
func (s *Supervisor) Dispatch(id signals.ID) {
	if e, ok := id.Event(); ok && e == signals.EventTimeLimit {
		s.notifier.NotifyTimeLimit(s.cfg.TimeLimit())
	}
	s.table.Dispatch(id)
}

// Tick is the only place callbacks run: it dispatches pending signals,
// reaps, sleeps one tick interval and persists the pool snapshot.
func (s *Supervisor) Tick() {
	s.table.Drain()
	s.pool.Reap()
	s.sleep(s.cfg.Tick())
	s.persist()
}

// RunControlCode ticks and reports whether the caller should keep running
// control-only code. Once the supervisor completed it dispatches the
// shutdown event, a single time, and returns false.
func (s *Supervisor) RunControlCode() bool {
	s.Tick()
	if !s.complete {
		return s.role.IsControl()
	}
	if !s.shutdownSent {
		s.shutdownSent = true
		s.Dispatch(signals.Synthetic(signals.EventShutdown))
	}
	return false
}

// RunThreadCode reports whether the calling process is a worker.
func (s *Supervisor) RunThreadCode() bool {
	return !s.role.IsControl()
}

// Shutdown waits until every worker exited, then marks the supervisor
// complete. With exit set the process then exits with status 0.
func (s *Supervisor) Shutdown(exit bool) {
	s.logger.Log(fmt.Sprintf("Shutting down, waiting for %d workers", s.pool.Count()), false)
	s.drain()

	s.complete = true
	s.persist()
	if s.pidFile != nil {
		s.pidFile.Remove(s.getpid())
	}
	s.notifier.NotifyShutdown(s.now().Sub(s.startedAt))
	s.logger.Log("Shutdown complete", false)

	if exit {
		s.exit(0)
	}
}

// Restart waits for the pool to drain and replaces the process image with
// the launch command. Without a known command, or when exec fails, it
// shuts down and exits instead.
func (s *Supervisor) Restart() {
	if s.path == "" {
		s.logger.Log("Launch command unknown, shutting down instead of restarting", false)
		s.Shutdown(true)
		return
	}

	s.logger.Log("Restarting, waiting for workers to exit", false)
	s.drain()
	s.notifier.NotifyRestart()

	s.table.Stop()
	if err := signals.Unblock(signals.HangUp); err != nil {
		s.logger.Log(fmt.Sprintf("Could not unblock %s: %v", signals.OS(signals.HangUp), err), true)
	}

	argv := s.argv
	if len(argv) == 0 {
		argv = []string{s.path}
	}
	if err := s.exec(s.path, argv, os.Environ()); err != nil {
		s.logger.Error("Restart failed, shutting down", logger.WithField("error", err))
		s.Shutdown(true)
	}
}

func (s *Supervisor) drain() {
	for {
		s.pool.Reap()
		if s.pool.Count() == 0 {
			return
		}
		s.Tick()
	}
}

func (s *Supervisor) persist() {
	if s.states == nil || !s.role.IsControl() {
		return
	}
	_, err := s.states.Update(state.PoolState{
		ControlPID: s.role.ControlIdentity().Pid,
		Daemon:     s.IsDaemon(),
		MaxWorkers: s.pool.MaxWorkers(),
		TimeLimit:  s.cfg.TimeLimit(),
		Completed:  s.complete,
		Heartbeat:  s.now(),
		Workers:    s.pool.Snapshot(),
	})
	if err != nil {
		s.logger.Log(fmt.Sprintf("Could not persist state: %v", err), true)
	}
}

// Spawn starts a worker. Called from a worker it returns the worker
// outcome for the calling process.
func (s *Supervisor) Spawn(ctx context.Context, name string) (pool.Outcome, error) {
	if !s.role.IsControl() {
		return pool.Joined(s.role), nil
	}
	return s.pool.Spawn(ctx, name)
}

// CanSpawn reaps and reports whether another worker fits.
func (s *Supervisor) CanSpawn() bool {
	return s.role.IsControl() && s.pool.CanSpawn()
}

// Count returns the number of tracked workers.
func (s *Supervisor) Count() int {
	return s.pool.Count()
}

// Completed reports whether Shutdown finished.
func (s *Supervisor) Completed() bool {
	return s.complete
}

// IsDaemon reports whether the process runs as a detached session leader.
func (s *Supervisor) IsDaemon() bool {
	return s.daemon.IsDaemon()
}

// IsControl reports whether the calling process is the control process.
func (s *Supervisor) IsControl() bool {
	return s.role.IsControl()
}

// Role returns Control or Worker.
func (s *Supervisor) Role() role.Role {
	return s.role.Role()
}

// WorkerName returns the label of the calling process.
func (s *Supervisor) WorkerName() string {
	return s.role.WorkerName()
}

// Pool returns the worker pool.
func (s *Supervisor) Pool() *pool.Pool {
	return s.pool
}

// Signals returns the dispatch table.
func (s *Supervisor) Signals() *signals.Table {
	return s.table
}

// Logger returns the supervisor's logger, labelled for workers.
func (s *Supervisor) Logger() logger.Logger {
	return s.logger
}

// Close detaches the process from OS signal delivery.
func (s *Supervisor) Close() {
	s.table.Stop()
}
