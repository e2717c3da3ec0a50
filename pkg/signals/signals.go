// Package signals maps OS signals and synthetic events to callbacks.
//
// OS delivery never runs a callback. The runtime handler only enqueues the
// signal on a buffered channel owned by the Table; callbacks run when the
// owner calls Drain or Dispatch from its own loop.
package signals

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/forkpool/forkpool/pkg/logger"
)

// Event names a synthetic, process-internal event.
type Event string

const (
	EventShutdown  Event = "shutdown"
	EventTimeLimit Event = "thread-time-limit-exceeded"
)

// Built-in OS signals.
const (
	ChildExited = syscall.SIGCHLD
	HangUp      = syscall.SIGHUP
	Terminate   = syscall.SIGTERM
)

// DefaultUserSignals are registered without a callback so callers can attach one later.
var DefaultUserSignals = []syscall.Signal{syscall.SIGUSR1, syscall.SIGUSR2}

// DefaultBuffer is the number of undispatched OS signals kept before
// further deliveries are dropped.
const DefaultBuffer = 64

// MaxSignal is the highest signal number accepted. Linux real-time
// signals end at 64.
const MaxSignal = 64

// Builtin reports whether sig carries a built-in supervisor callback.
func Builtin(sig syscall.Signal) bool {
	return sig == ChildExited || sig == HangUp || sig == Terminate
}

// ID identifies either an OS signal or a synthetic event, never both.
type ID struct {
	sig   syscall.Signal
	event Event
}

// OS returns the ID of an OS signal.
func OS(sig syscall.Signal) ID {
	return ID{sig: sig}
}

// Synthetic returns the ID of a synthetic event.
func Synthetic(e Event) ID {
	return ID{event: e}
}

// Signal returns the OS signal and true when id names one.
func (id ID) Signal() (syscall.Signal, bool) {
	return id.sig, id.sig != 0
}

// Event returns the synthetic event and true when id names one.
func (id ID) Event() (Event, bool) {
	return id.event, id.sig == 0 && id.event != ""
}

func (id ID) String() string {
	if sig, ok := id.Signal(); ok {
		if name := unix.SignalName(sig); name != "" {
			return name
		}
		return "signal " + strconv.Itoa(int(sig))
	}
	return string(id.event)
}

// Callback runs on dispatch. A nil Callback marks the ID as registered
// without behaviour.
type Callback func()

// Table is the signal dispatch table. It is owned by a single goroutine;
// only Register, Drain and Dispatch mutate or read the callbacks.
type Table struct {
	callbacks map[ID]Callback
	notified  map[syscall.Signal]bool
	pending   chan os.Signal
	logger    logger.Logger
	exit      func(int)
}

// Option configures a Table.
type Option func(*Table)

// WithExit replaces os.Exit, which Dispatch calls after a termination signal.
func WithExit(exit func(int)) Option {
	return func(t *Table) {
		t.exit = exit
	}
}

// WithBuffer sets the pending signal capacity.
func WithBuffer(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.pending = make(chan os.Signal, n)
		}
	}
}

// NewTable creates an empty dispatch table.
func NewTable(log logger.Logger, opts ...Option) *Table {
	if log == nil {
		log = logger.NopLogger{}
	}
	t := &Table{
		callbacks: make(map[ID]Callback),
		notified:  make(map[syscall.Signal]bool),
		pending:   make(chan os.Signal, DefaultBuffer),
		logger:    log,
		exit:      os.Exit,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register stores cb for id, replacing any earlier callback. For OS
// signals the process starts routing deliveries into the pending queue.
func (t *Table) Register(id ID, cb Callback) {
	t.callbacks[id] = cb

	sig, ok := id.Signal()
	if !ok || t.notified[sig] {
		return
	}
	signal.Notify(t.pending, sig)
	t.notified[sig] = true
	t.logger.Log(fmt.Sprintf("Routing %s into deferred dispatch", id), true)
}

// Registered reports whether id has an entry, with or without a callback.
func (t *Table) Registered(id ID) bool {
	_, ok := t.callbacks[id]
	return ok
}

// Pending returns the number of OS signals waiting for Drain.
func (t *Table) Pending() int {
	return len(t.pending)
}

// Drain dispatches the OS signals queued so far, in arrival order, and
// returns how many it dispatched. Signals raised by the callbacks
// themselves wait for the next Drain.
func (t *Table) Drain() int {
	n := len(t.pending)
	for i := 0; i < n; i++ {
		select {
		case s := <-t.pending:
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			t.Dispatch(OS(sig))
		default:
			return i
		}
	}
	return n
}

// Dispatch runs the callback registered for id. It must only be called
// from the owner's loop. A termination signal exits the process with
// status 0 once the callback returns.
func (t *Table) Dispatch(id ID) {
	sig, isOS := id.Signal()
	if isOS {
		if err := Unblock(sig); err != nil {
			t.logger.Log(fmt.Sprintf("Could not unblock %s: %v", id, err), true)
		}
	}

	cb, ok := t.callbacks[id]
	if !ok || cb == nil {
		t.logger.Log(fmt.Sprintf("No callback registered for %s", id), true)
	} else {
		t.logger.Log(fmt.Sprintf("Dispatching %s", id), true)
		cb()
	}

	if isOS && sig == Terminate {
		t.exit(0)
	}
}

// Stop detaches the table from OS delivery.
func (t *Table) Stop() {
	signal.Stop(t.pending)
	t.notified = make(map[syscall.Signal]bool)
}

// Parse accepts "USR1", "SIGUSR1" or a signal number.
func Parse(name string) (syscall.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if n, err := strconv.Atoi(name); err == nil {
		if n <= 0 || n > MaxSignal {
			return 0, fmt.Errorf("invalid signal number %d", n)
		}
		return syscall.Signal(n), nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}
