// Package role decides whether the running process is the control process
// or one of the workers it spawned.
//
// Workers are separate OS processes started from the same executable. The
// control process passes the role explicitly through the environment, so a
// worker re-entering main can tell where it stands without shared memory.
package role

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Role of a process in the tree.
type Role int

const (
	Control Role = iota
	Worker
)

func (r Role) String() string {
	switch r {
	case Control:
		return "control"
	case Worker:
		return "worker"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Environment variables used to hand the role to a spawned worker.
const (
	EnvControlPID = "FORKPOOL_CONTROL_PID"
	EnvWorkerName = "FORKPOOL_WORKER_NAME"
	EnvSpawnID    = "FORKPOOL_SPAWN_ID"
)

// ControlLabel is the label of the control process.
const ControlLabel = "CONTROL"

// Identity is the OS identity of one process instance.
type Identity struct {
	Pid       int
	ParentPid int
}

// Current returns the identity of the calling process.
func Current() Identity {
	return Identity{Pid: os.Getpid(), ParentPid: os.Getppid()}
}

// Model holds the control identity captured at startup and the label of
// the executing process.
type Model struct {
	control Identity
	label   string
	spawnID string
	getpid  func() int
}

// Option configures a Model.
type Option func(*Model)

// WithPID overrides how the current pid is obtained.
func WithPID(getpid func() int) Option {
	return func(m *Model) {
		m.getpid = getpid
	}
}

// NewControl captures the calling process as the control identity.
func NewControl(opts ...Option) *Model {
	m := &Model{getpid: os.Getpid, label: ControlLabel}
	for _, opt := range opts {
		opt(m)
	}
	m.control = Identity{Pid: m.getpid(), ParentPid: os.Getppid()}
	return m
}

// Detect builds the Model for the calling process from its environment.
// A process launched by a control process finds EnvControlPID set to a pid
// other than its own and becomes a Worker; anything else is Control.
func Detect(lookup func(string) (string, bool), opts ...Option) (*Model, error) {
	m := NewControl(opts...)

	raw, ok := lookup(EnvControlPID)
	if !ok || raw == "" {
		return m, nil
	}

	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("invalid %s %q", EnvControlPID, raw)
	}
	if pid == m.getpid() {
		return m, nil
	}

	name, _ := lookup(EnvWorkerName)
	spawnID, _ := lookup(EnvSpawnID)

	m.control = Identity{Pid: pid}
	m.label = WorkerLabel(name, m.getpid())
	m.spawnID = spawnID
	return m, nil
}

// IsControl reports whether the calling process is the control process.
func (m *Model) IsControl() bool {
	return m.getpid() == m.control.Pid
}

// Role returns Control or Worker.
func (m *Model) Role() Role {
	if m.IsControl() {
		return Control
	}
	return Worker
}

// WorkerName returns "CONTROL" in the control process, otherwise the
// assigned worker name or "THREAD:<pid>".
func (m *Model) WorkerName() string {
	return m.label
}

// ControlIdentity returns the identity captured at startup.
func (m *Model) ControlIdentity() Identity {
	return m.control
}

// SpawnID returns the id the control process assigned to this worker.
// Empty in the control process.
func (m *Model) SpawnID() string {
	return m.spawnID
}

// WorkerLabel returns name, or "THREAD:<pid>" for unnamed workers.
func WorkerLabel(name string, pid int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("THREAD:%d", pid)
}

// WorkerEnv returns the environment entries that make a child a worker.
func WorkerEnv(controlPid int, name, spawnID string) []string {
	return []string{
		EnvControlPID + "=" + strconv.Itoa(controlPid),
		EnvWorkerName + "=" + name,
		EnvSpawnID + "=" + spawnID,
	}
}

// StripEnv removes role variables from env.
func StripEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvControlPID+"=") ||
			strings.HasPrefix(kv, EnvWorkerName+"=") ||
			strings.HasPrefix(kv, EnvSpawnID+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
