// Package daemon detaches the control process from its launching session
// and keeps the pid file other commands use to reach it.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/forkpool/forkpool/pkg/logger"
)

// EnvDaemon marks the detached copy of the process.
const EnvDaemon = "FORKPOOL_DAEMON"

// Options configure Detach. Zero values fall back to the running process.
type Options struct {
	Path   string
	Args   []string
	Env    []string
	Lookup func(string) (string, bool)
	Exit   func(int)
	Logger logger.Logger
}

// Result describes the outcome of Detach in the process that returns from it.
type Result struct {
	// SessionID is set in the detached copy and is the session it leads.
	SessionID int
	// ChildPid is the detached copy's pid, seen from the launching process.
	// Only observable when Exit does not terminate.
	ChildPid int
}

// IsDaemon reports whether a session was actually obtained.
func (r Result) IsDaemon() bool {
	return r.SessionID > 0
}

func (o *Options) defaults() error {
	if o.Lookup == nil {
		o.Lookup = os.LookupEnv
	}
	if o.Exit == nil {
		o.Exit = os.Exit
	}
	if o.Logger == nil {
		o.Logger = logger.NopLogger{}
	}
	if o.Env == nil {
		o.Env = os.Environ()
	}
	if o.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("%w: cannot determine executable: %w", ErrDetachFailed, err)
		}
		o.Path = exe
		if o.Args == nil {
			o.Args = os.Args[1:]
		}
	}
	return nil
}

// Detach runs the daemonization protocol.
//
// In the launching process it starts a copy of itself as leader of a new
// session, with standard streams on /dev/null, and exits with status 0.
// In that copy (recognised by EnvDaemon) it verifies the session and
// returns its id.
func Detach(opts Options) (Result, error) {
	if err := opts.defaults(); err != nil {
		return Result{}, err
	}

	if v, ok := opts.Lookup(EnvDaemon); ok && v == "1" {
		sid, err := unix.Getsid(0)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrNoSession, err)
		}
		if sid <= 0 {
			return Result{}, fmt.Errorf("%w: getsid returned %d", ErrNoSession, sid)
		}
		opts.Logger.Log(fmt.Sprintf("Running detached in session %d", sid), true)
		return Result{SessionID: sid}, nil
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDetachFailed, err)
	}
	defer devnull.Close()

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Env = append(withoutDaemonMarker(opts.Env), EnvDaemon+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDetachFailed, err)
	}

	childPid := cmd.Process.Pid
	_ = cmd.Process.Release()

	opts.Logger.Info("Detached daemon started", logger.WithField("pid", childPid))
	opts.Exit(0)

	return Result{ChildPid: childPid}, nil
}

func withoutDaemonMarker(env []string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvDaemon+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
