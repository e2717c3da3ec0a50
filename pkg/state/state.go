// Package state persists the control process's view of its worker pool so
// other processes (the status command) can read it.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/forkpool/forkpool/pkg/logger"
	"github.com/forkpool/forkpool/pkg/pool"
)

// FileName is the snapshot file name inside the state directory.
const FileName = "pool.json"

// DefaultHeartbeat is how often an unchanged snapshot is rewritten.
const DefaultHeartbeat = 5 * time.Second

// PoolState is the persisted snapshot.
type PoolState struct {
	ControlPID int           `json:"controlPid"`
	Daemon     bool          `json:"daemon"`
	MaxWorkers int           `json:"maxWorkers"`
	TimeLimit  time.Duration `json:"timeLimit"`
	Completed  bool          `json:"completed"`
	Heartbeat  time.Time     `json:"heartbeat"`
	Workers    []pool.Record `json:"workers"`
}

// IsStale reports whether the heartbeat is older than threshold at now.
func (s *PoolState) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.Heartbeat) > threshold
}

// StateManager writes the snapshot file.
type StateManager struct {
	stateDir    string
	logger      logger.Logger
	heartbeat   time.Duration
	mu          sync.Mutex
	lastWrite   time.Time
	fingerprint string
}

// NewStateManager creates a state manager writing into stateDir.
func NewStateManager(stateDir string, log logger.Logger) *StateManager {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &StateManager{
		stateDir:  stateDir,
		logger:    log,
		heartbeat: DefaultHeartbeat,
	}
}

// SetHeartbeat changes the rewrite interval for unchanged snapshots.
func (sm *StateManager) SetHeartbeat(d time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.heartbeat = d
}

// Path returns the snapshot file location.
func (sm *StateManager) Path() string {
	return filepath.Join(sm.stateDir, FileName)
}

// Update writes st when its workers or completion changed since the last
// write, or when the heartbeat interval elapsed. st.Heartbeat is the
// current time. It reports whether the file was written.
func (sm *StateManager) Update(st PoolState) (bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	fp := fingerprint(st)
	if fp == sm.fingerprint && st.Heartbeat.Sub(sm.lastWrite) < sm.heartbeat {
		return false, nil
	}

	if err := sm.save(st); err != nil {
		return false, err
	}
	sm.fingerprint = fp
	sm.lastWrite = st.Heartbeat
	return true, nil
}

// Read loads the snapshot file.
func (sm *StateManager) Read() (*PoolState, error) {
	data, err := os.ReadFile(sm.Path())
	if err != nil {
		return nil, err
	}

	var st PoolState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &st, nil
}

// Cleanup removes the snapshot file.
func (sm *StateManager) Cleanup() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.fingerprint = ""
	if err := os.Remove(sm.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

func (sm *StateManager) save(st PoolState) error {
	if err := os.MkdirAll(sm.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write atomically
	stateFile := sm.Path()
	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	sm.logger.Debug("State snapshot written",
		logger.WithField("workers", len(st.Workers)))
	return nil
}

func fingerprint(st PoolState) string {
	var b strings.Builder
	b.WriteString(strconv.FormatBool(st.Completed))
	for _, w := range st.Workers {
		b.WriteByte('|')
		b.WriteString(w.Key)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(w.Pid))
	}
	return b.String()
}
