// Package config handles configuration loading and management
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/forkpool/forkpool/pkg/signals"
)

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides, e.g. FORKPOOL_MAX_WORKERS.
const EnvPrefix = "FORKPOOL"

// FileName is the config file name searched for, without extension.
const FileName = "forkpool"

// Config keys.
const (
	KeyMaxWorkers      = "max_workers"
	KeyWorkerTimeLimit = "worker_time_limit"
	KeyTickInterval    = "tick_interval"
	KeyDaemonize       = "daemonize"
	KeyLogDestination  = "log_destination"
	KeyDebugLogging    = "debug_logging"
	KeyUserSignals     = "user_signals"
	KeyStateDir        = "state_dir"
	KeyNotifications   = "notifications"
)

// Config is the construction-time configuration of a supervisor.
type Config struct {
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
	// WorkerTimeLimit is in seconds; 0 means unlimited.
	WorkerTimeLimit int `mapstructure:"worker_time_limit" yaml:"worker_time_limit"`
	// TickInterval is in microseconds.
	TickInterval   int      `mapstructure:"tick_interval" yaml:"tick_interval"`
	Daemonize      bool     `mapstructure:"daemonize" yaml:"daemonize"`
	LogDestination string   `mapstructure:"log_destination" yaml:"log_destination"`
	DebugLogging   bool     `mapstructure:"debug_logging" yaml:"debug_logging"`
	UserSignals    []string `mapstructure:"user_signals" yaml:"user_signals"`
	StateDir       string   `mapstructure:"state_dir" yaml:"state_dir"`
	Notifications  bool     `mapstructure:"notifications" yaml:"notifications"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxWorkers:      10,
		WorkerTimeLimit: 300,
		TickInterval:    100000,
		UserSignals:     []string{"USR1", "USR2"},
		StateDir:        ".forkpool",
	}
}

// SetDefaults registers the defaults on v so that env overrides resolve.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyMaxWorkers, d.MaxWorkers)
	v.SetDefault(KeyWorkerTimeLimit, d.WorkerTimeLimit)
	v.SetDefault(KeyTickInterval, d.TickInterval)
	v.SetDefault(KeyDaemonize, d.Daemonize)
	v.SetDefault(KeyLogDestination, d.LogDestination)
	v.SetDefault(KeyDebugLogging, d.DebugLogging)
	v.SetDefault(KeyUserSignals, d.UserSignals)
	v.SetDefault(KeyStateDir, d.StateDir)
	v.SetDefault(KeyNotifications, d.Notifications)
}

// NewViper returns a viper instance with defaults and env overrides. When
// file is empty, forkpool.{yaml,json} is searched for in dir. A missing
// file is not an error; an unreadable one is.
func NewViper(file, dir string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		if dir == "" {
			dir = "."
		}
		v.AddConfigPath(dir)
		v.SetConfigName(FileName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return v, nil
}

// Load resolves a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path on its own, without search paths.
func LoadFile(path string) (*Config, error) {
	v, err := NewViper(path, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return Load(v)
}

// Validate checks value ranges and signal names.
func (c *Config) Validate() error {
	if c.MaxWorkers < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalid, KeyMaxWorkers, c.MaxWorkers)
	}
	if c.WorkerTimeLimit < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalid, KeyWorkerTimeLimit, c.WorkerTimeLimit)
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalid, KeyTickInterval, c.TickInterval)
	}
	sigs, err := c.Signals()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, KeyUserSignals, err)
	}
	for _, sig := range sigs {
		if signals.Builtin(sig) {
			return fmt.Errorf("%w: %s: %s is reserved by the supervisor",
				ErrInvalid, KeyUserSignals, signals.OS(sig))
		}
	}
	return nil
}

// TimeLimit returns the worker time limit as a duration.
func (c *Config) TimeLimit() time.Duration {
	return time.Duration(c.WorkerTimeLimit) * time.Second
}

// Tick returns the tick interval as a duration.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.TickInterval) * time.Microsecond
}

// Signals parses UserSignals.
func (c *Config) Signals() ([]syscall.Signal, error) {
	out := make([]syscall.Signal, 0, len(c.UserSignals))
	for _, name := range c.UserSignals {
		sig, err := signals.Parse(name)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
