package cli

import (
	"github.com/forkpool/forkpool/pkg/config"
)

// Config holds the global CLI flags.
type Config struct {
	ConfigFile string
	StateDir   string
	Verbosity  string
	Version    string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		StateDir:  config.Default().StateDir,
		Verbosity: "info",
		Version:   "dev",
	}
}

// runFlagKeys maps run flags onto configuration keys.
var runFlagKeys = map[string]string{
	config.KeyMaxWorkers:      "max-workers",
	config.KeyWorkerTimeLimit: "time-limit",
	config.KeyTickInterval:    "tick",
	config.KeyDaemonize:       "daemon",
	config.KeyLogDestination:  "log",
	config.KeyDebugLogging:    "debug",
	config.KeyNotifications:   "notify",
}
