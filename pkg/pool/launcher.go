package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/forkpool/forkpool/pkg/role"
)

// CommandLauncher starts each worker as a new OS process running Path with
// Args. The role is passed through the environment.
type CommandLauncher struct {
	Path string
	Args []string

	// Env is the base environment. Nil means the current environment.
	Env []string
	Dir string

	// Stdout and Stderr default to the control process's own streams.
	// They are files so the worker writes to them directly; the pool never
	// waits on the command, which would be needed to drain pipes.
	Stdout *os.File
	Stderr *os.File
}

// SelfLauncher re-executes the running binary with its original arguments,
// so that workers enter the same main as the control process.
func SelfLauncher() (*CommandLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot determine executable: %w", err)
	}
	return &CommandLauncher{Path: exe, Args: os.Args[1:]}, nil
}

// Launch implements Launcher.
func (l *CommandLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	if l.Path == "" {
		return nil, errors.New("no command to launch")
	}

	// Workers outlive the spawn call, so ctx is not bound to the process.
	cmd := exec.Command(l.Path, l.Args...)

	env := l.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(role.StripEnv(env), role.WorkerEnv(spec.ControlPid, spec.Name, spec.SpawnID)...)
	cmd.Dir = l.Dir

	cmd.Stdout = os.Stdout
	if l.Stdout != nil {
		cmd.Stdout = l.Stdout
	}
	cmd.Stderr = os.Stderr
	if l.Stderr != nil {
		cmd.Stderr = l.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{proc: cmd.Process, pid: cmd.Process.Pid}, nil
}

// osProcess reaps with wait4 directly so polling never blocks.
type osProcess struct {
	proc *os.Process
	pid  int
	done bool
}

func (p *osProcess) Pid() int {
	return p.pid
}

func (p *osProcess) Exited() (bool, error) {
	if p.done {
		return true, nil
	}

	var status unix.WaitStatus
	wpid, err := unix.Wait4(p.pid, &status, unix.WNOHANG, nil)
	switch {
	case errors.Is(err, unix.EINTR):
		return false, nil
	case errors.Is(err, unix.ECHILD):
		// Collected elsewhere; it is gone either way.
		p.done = true
		return true, nil
	case err != nil:
		return false, err
	case wpid == p.pid:
		p.done = true
		return true, nil
	}
	return false, nil
}

func (p *osProcess) Signal(sig syscall.Signal) error {
	if p.done {
		return nil
	}
	err := unix.Kill(p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *osProcess) Release() error {
	return p.proc.Release()
}
