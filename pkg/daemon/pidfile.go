package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// PIDFileName is the pid file name inside the state directory.
const PIDFileName = "forkpool.pid"

// PIDInfo is what gets persisted for the running control process.
type PIDInfo struct {
	PID       int       `json:"pid"`
	SessionID int       `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Args      []string  `json:"args"`
}

// PIDFile manages the control process pid file.
type PIDFile struct {
	path string
}

// NewPIDFile returns the pid file kept in stateDir.
func NewPIDFile(stateDir string) *PIDFile {
	return &PIDFile{path: filepath.Join(stateDir, PIDFileName)}
}

// Path returns the file location.
func (f *PIDFile) Path() string {
	return f.path
}

// Write records info, refusing when another live process owns the file.
func (f *PIDFile) Write(info PIDInfo) error {
	if existing, ok := f.Running(); ok && existing.PID != info.PID {
		return fmt.Errorf("%w (pid %d)", ErrDaemonAlreadyRunning, existing.PID)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal pid file: %w", err)
	}
	return os.WriteFile(f.path, data, 0644)
}

// Read loads the pid file.
func (f *PIDFile) Read() (*PIDInfo, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var info PIDInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse pid file %s: %w", f.path, err)
	}
	return &info, nil
}

// Remove deletes the pid file if it belongs to pid.
func (f *PIDFile) Remove(pid int) {
	info, err := f.Read()
	if err != nil || info.PID != pid {
		return
	}
	_ = os.Remove(f.path)
}

// Running returns the recorded info when the recorded process is alive.
func (f *PIDFile) Running() (*PIDInfo, bool) {
	info, err := f.Read()
	if err != nil || info.PID <= 0 {
		return nil, false
	}
	return info, Alive(info.PID)
}

// Signal sends sig to the recorded process.
func (f *PIDFile) Signal(sig syscall.Signal) (*PIDInfo, error) {
	info, ok := f.Running()
	if !ok {
		return nil, ErrDaemonNotRunning
	}
	if err := unix.Kill(info.PID, sig); err != nil {
		return info, fmt.Errorf("failed to signal pid %d: %w", info.PID, err)
	}
	return info, nil
}

// Alive checks pid with signal 0.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
