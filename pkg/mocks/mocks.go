// Package mocks provides test doubles for the pool and supervisor.
package mocks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/forkpool/forkpool/pkg/logger"
	"github.com/forkpool/forkpool/pkg/pool"
)

// FakeProcess is a scriptable pool.Process.
type FakeProcess struct {
	mu          sync.Mutex
	pid         int
	exited      bool
	exitOnTerm  bool
	pollErr     error
	signals     []syscall.Signal
	released    bool
	pollCounter int
}

// NewFakeProcess creates a running fake process.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{pid: pid}
}

func (p *FakeProcess) Pid() int {
	return p.pid
}

func (p *FakeProcess) Exited() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollCounter++
	return p.exited, p.pollErr
}

func (p *FakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	if p.exitOnTerm && sig == syscall.SIGTERM {
		p.exited = true
	}
	return nil
}

func (p *FakeProcess) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

// Exit marks the process as terminated.
func (p *FakeProcess) Exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
}

// ExitOnTerm makes SIGTERM terminate the process.
func (p *FakeProcess) ExitOnTerm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitOnTerm = true
}

// FailPolls makes Exited return err.
func (p *FakeProcess) FailPolls(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollErr = err
}

// Signals returns the signals sent so far.
func (p *FakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// Released reports whether Release was called.
func (p *FakeProcess) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Polls returns how many times Exited was called.
func (p *FakeProcess) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollCounter
}

// ErrLaunchRefused is returned by a FakeLauncher set to fail.
var ErrLaunchRefused = errors.New("fake launch refused")

// FakeLauncher hands out FakeProcesses with increasing pids.
type FakeLauncher struct {
	mu         sync.Mutex
	nextPid    int
	fail       bool
	exitOnTerm bool
	specs      []pool.Spec
	byName     map[string]*FakeProcess
	byPid      map[int]*FakeProcess
}

// NewFakeLauncher creates a launcher whose first pid is firstPid.
func NewFakeLauncher(firstPid int) *FakeLauncher {
	return &FakeLauncher{
		nextPid: firstPid,
		byName:  make(map[string]*FakeProcess),
		byPid:   make(map[int]*FakeProcess),
	}
}

// Launch implements pool.Launcher.
func (l *FakeLauncher) Launch(_ context.Context, spec pool.Spec) (pool.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fail {
		return nil, ErrLaunchRefused
	}

	proc := NewFakeProcess(l.nextPid)
	if l.exitOnTerm {
		proc.ExitOnTerm()
	}
	l.nextPid++
	l.specs = append(l.specs, spec)
	if spec.Name != "" {
		l.byName[spec.Name] = proc
	}
	l.byPid[proc.pid] = proc
	return proc, nil
}

// Fail makes subsequent launches fail.
func (l *FakeLauncher) Fail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

// ExitOnTerm makes every process launched afterwards exit on SIGTERM.
func (l *FakeLauncher) ExitOnTerm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exitOnTerm = true
}

// Named returns the process launched for name.
func (l *FakeLauncher) Named(name string) *FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byName[name]
}

// ByPid returns the process with pid.
func (l *FakeLauncher) ByPid(pid int) *FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byPid[pid]
}

// ExitAll terminates every launched process.
func (l *FakeLauncher) ExitAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.byPid {
		p.Exit()
	}
}

// Specs returns the specs passed to Launch.
func (l *FakeLauncher) Specs() []pool.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pool.Spec(nil), l.specs...)
}

// Entry is one message captured by RecordingLogger.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// RecordingLogger captures log calls in memory.
type RecordingLogger struct {
	sink  *sink
	label string
}

type sink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecordingLogger creates an empty recording logger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{sink: &sink{}}
}

func (l *RecordingLogger) record(level, message string, fields []logger.Field) {
	m := make(map[string]interface{}, len(fields)+1)
	if l.label != "" {
		m["process"] = l.label
	}
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, Entry{Level: level, Message: message, Fields: m})
}

func (l *RecordingLogger) Info(message string, fields ...logger.Field) {
	l.record("info", message, fields)
}

func (l *RecordingLogger) Error(message string, fields ...logger.Field) {
	l.record("error", message, fields)
}

func (l *RecordingLogger) Warn(message string, fields ...logger.Field) {
	l.record("warn", message, fields)
}

func (l *RecordingLogger) Debug(message string, fields ...logger.Field) {
	l.record("debug", message, fields)
}

func (l *RecordingLogger) Success(message string, fields ...logger.Field) {
	l.record("success", message, fields)
}

func (l *RecordingLogger) Log(message string, internal bool) {
	if internal {
		l.record("debug", message, nil)
		return
	}
	l.record("info", message, nil)
}

func (l *RecordingLogger) WithWorker(label string) logger.Logger {
	return &RecordingLogger{sink: l.sink, label: label}
}

// Entries returns a copy of everything logged.
func (l *RecordingLogger) Entries() []Entry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return append([]Entry(nil), l.sink.entries...)
}

// Contains reports whether any message at level contains substr.
func (l *RecordingLogger) Contains(level, substr string) bool {
	for _, e := range l.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// String renders the captured entries, for test failure messages.
func (l *RecordingLogger) String() string {
	var b strings.Builder
	for _, e := range l.Entries() {
		fmt.Fprintf(&b, "%s: %s %v\n", e.Level, e.Message, e.Fields)
	}
	return b.String()
}

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock stopped at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
