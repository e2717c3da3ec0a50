// Package pool tracks the worker processes spawned by the control process:
// it spawns them up to a concurrency ceiling, reaps the ones that exited
// and terminates the ones that outlived their time limit.
//
// A Pool is owned by the control process's single supervising goroutine
// and is not safe for concurrent use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"syscall"
	"time"

	pcontext "github.com/forkpool/forkpool/pkg/context"
	"github.com/forkpool/forkpool/pkg/logger"
	"github.com/forkpool/forkpool/pkg/role"
	"github.com/forkpool/forkpool/pkg/signals"
)

// Sentinel errors for pool operations
var (
	// ErrAtCapacity indicates the pool already tracks maxWorkers workers
	ErrAtCapacity = errors.New("worker pool at capacity")

	// ErrDuplicateName indicates a live worker already uses the name
	ErrDuplicateName = errors.New("worker name already in use")

	// ErrNotFound indicates no live worker has the key
	ErrNotFound = errors.New("worker not found")

	// ErrLaunch indicates the OS refused to start the worker process
	ErrLaunch = errors.New("failed to launch worker")
)

// Defaults used when no option overrides them.
const (
	DefaultMaxWorkers = 10
	DefaultTimeLimit  = 300 * time.Second
)

// Record describes one live worker.
type Record struct {
	Key       string    `json:"key"`
	Pid       int       `json:"pid"`
	Name      string    `json:"name,omitempty"`
	SpawnID   string    `json:"spawnId"`
	StartedAt time.Time `json:"startedAt"`
}

// Age returns how long the worker has been running at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.StartedAt)
}

// Process is a handle on a launched worker process.
type Process interface {
	Pid() int
	// Exited reports, without blocking, whether the process has terminated.
	// A terminated process is reaped by the call.
	Exited() (bool, error)
	Signal(sig syscall.Signal) error
	// Release frees resources held for the process.
	Release() error
}

// Spec tells a Launcher which worker to start.
type Spec struct {
	Name       string
	SpawnID    string
	ControlPid int
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// Dispatcher receives synthetic events raised by the pool.
type Dispatcher interface {
	Dispatch(id signals.ID)
}

// Outcome is the result of a spawn as seen by one process. The control
// side gets the new Record; the worker side is produced at worker start-up
// from role detection (see Joined).
type Outcome struct {
	As     role.Role
	Worker *Record
	Label  string
}

// Joined returns the worker-side outcome for a process that detected it was
// spawned as a worker.
func Joined(m *role.Model) Outcome {
	return Outcome{As: m.Role(), Label: m.WorkerName()}
}

type entry struct {
	record  Record
	process Process
}

type noDispatch struct{}

func (noDispatch) Dispatch(signals.ID) {}

// Pool is the worker pool supervisor.
type Pool struct {
	workers    map[string]*entry
	detached   []Process
	maxWorkers int
	timeLimit  time.Duration
	controlPid int
	launcher   Launcher
	dispatcher Dispatcher
	logger     logger.Logger
	now        func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxWorkers sets the concurrency ceiling.
func WithMaxWorkers(n int) Option {
	return func(p *Pool) {
		p.maxWorkers = n
	}
}

// WithTimeLimit sets the per-worker time limit. Zero disables it.
func WithTimeLimit(d time.Duration) Option {
	return func(p *Pool) {
		p.timeLimit = d
	}
}

// WithLauncher sets how worker processes are started.
func WithLauncher(l Launcher) Option {
	return func(p *Pool) {
		p.launcher = l
	}
}

// WithDispatcher sets the receiver of time-limit events.
func WithDispatcher(d Dispatcher) Option {
	return func(p *Pool) {
		p.dispatcher = d
	}
}

// WithLogger sets the pool logger.
func WithLogger(log logger.Logger) Option {
	return func(p *Pool) {
		p.logger = log
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// WithControlPID sets the pid handed to workers as their control identity.
func WithControlPID(pid int) Option {
	return func(p *Pool) {
		p.controlPid = pid
	}
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		workers:    make(map[string]*entry),
		maxWorkers: DefaultMaxWorkers,
		timeLimit:  DefaultTimeLimit,
		dispatcher: noDispatch{},
		logger:     logger.NopLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.controlPid == 0 {
		p.controlPid = role.Current().Pid
	}
	return p
}

// Count returns the number of tracked live workers.
func (p *Pool) Count() int {
	return len(p.workers)
}

// MaxWorkers returns the concurrency ceiling.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// CanSpawn reaps, then reports whether another worker fits.
func (p *Pool) CanSpawn() bool {
	p.Reap()
	return p.Count() < p.maxWorkers
}

// Spawn starts a worker. An empty name yields an unnamed worker keyed by pid.
func (p *Pool) Spawn(ctx context.Context, name string) (Outcome, error) {
	if !p.CanSpawn() {
		p.logger.Log(fmt.Sprintf("Spawn rejected: %d of %d workers running", p.Count(), p.maxWorkers), true)
		return Outcome{}, ErrAtCapacity
	}
	if name != "" {
		if _, ok := p.workers[name]; ok {
			p.logger.Log(fmt.Sprintf("Spawn rejected: worker %q already running", name), true)
			return Outcome{}, ErrDuplicateName
		}
	}

	if p.launcher == nil {
		return Outcome{}, fmt.Errorf("%w: no launcher configured", ErrLaunch)
	}

	ctx = pcontext.ForSpawn(ctx, name)
	spec := Spec{
		Name:       name,
		SpawnID:    pcontext.GetSpawnID(ctx),
		ControlPid: p.controlPid,
	}

	proc, err := p.launcher.Launch(ctx, spec)
	if err != nil {
		logger.WithContext(ctx, p.logger).Error("Worker launch failed", logger.WithField("error", err))
		return Outcome{}, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	key := name
	if key == "" {
		key = strconv.Itoa(proc.Pid())
	}
	rec := Record{
		Key:       key,
		Pid:       proc.Pid(),
		Name:      name,
		SpawnID:   spec.SpawnID,
		StartedAt: p.now(),
	}
	p.workers[key] = &entry{record: rec, process: proc}

	logger.WithContext(ctx, p.logger).Info("Spawned worker",
		logger.WithField("key", key),
		logger.WithField("pid", rec.Pid))

	return Outcome{As: role.Control, Worker: &rec}, nil
}

// Reap removes workers whose process exited and terminates workers that
// exceeded the time limit. It never blocks and returns how many records it
// removed.
func (p *Pool) Reap() int {
	p.reapDetached()

	removed := 0
	now := p.now()

	for key, e := range p.workers {
		exited, err := e.process.Exited()
		if err != nil {
			p.logger.Log(fmt.Sprintf("Could not poll worker %s (pid %d): %v", key, e.record.Pid, err), true)
		}
		if exited {
			delete(p.workers, key)
			_ = e.process.Release()
			removed++
			p.logger.Log(fmt.Sprintf("Worker %s (pid %d) exited", key, e.record.Pid), true)
			continue
		}

		if p.timeLimit <= 0 || e.record.Age(now) <= p.timeLimit {
			continue
		}

		if err := e.process.Signal(signals.Terminate); err != nil {
			p.logger.Error("Could not terminate worker",
				logger.WithField("key", key),
				logger.WithField("pid", e.record.Pid),
				logger.WithField("error", err))
		}
		p.logger.Warn("Worker exceeded time limit",
			logger.WithField("key", key),
			logger.WithField("pid", e.record.Pid),
			logger.WithField("limit", p.timeLimit))

		// Removed before exit is confirmed; the process is still reaped later.
		delete(p.workers, key)
		p.detached = append(p.detached, e.process)
		removed++

		p.dispatcher.Dispatch(signals.Synthetic(signals.EventTimeLimit))
	}

	return removed
}

// reapDetached collects exit status of workers no longer tracked.
func (p *Pool) reapDetached() {
	remaining := p.detached[:0]
	for _, proc := range p.detached {
		if exited, _ := proc.Exited(); exited {
			_ = proc.Release()
			continue
		}
		remaining = append(remaining, proc)
	}
	p.detached = remaining
}

// Detached returns the number of terminated-for-overrun workers whose exit
// has not been collected yet.
func (p *Pool) Detached() int {
	return len(p.detached)
}

// Status returns the record stored under key.
func (p *Pool) Status(key string) (Record, error) {
	e, ok := p.workers[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return e.record, nil
}

// Snapshot returns all live records ordered by start time.
func (p *Pool) Snapshot() []Record {
	records := make([]Record, 0, len(p.workers))
	for _, e := range p.workers {
		records = append(records, e.record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].Key < records[j].Key
		}
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records
}
