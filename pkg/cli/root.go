// Package cli provides the command-line interface for forkpool
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forkpool/forkpool/pkg/config"
	"github.com/forkpool/forkpool/pkg/logger"
	"github.com/forkpool/forkpool/pkg/supervisor"
)

// CLI holds the command tree and its dependencies, with no package state.
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	logger   logger.Logger
	console  *logger.ConsoleLogger
	output   io.Writer
	errorOut io.Writer

	supervisorOptions []supervisor.Option
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		output:   os.Stdout,
		errorOut: os.Stderr,
		logger:   logger.NopLogger{},
	}

	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// WithSupervisorOptions appends options passed to every supervisor the
// run command creates.
func (c *CLI) WithSupervisorOptions(opts ...supervisor.Option) *CLI {
	c.supervisorOptions = append(c.supervisorOptions, opts...)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "forkpool",
		Short: "Supervise a pool of worker processes",
		Long: `forkpool keeps a bounded pool of worker processes running, reaps the
ones that exit, terminates the ones that overrun their time limit and
handles SIGHUP (restart) and SIGTERM (drain and stop) between ticks.`,

		PersistentPreRunE: c.initializeConfig,
		SilenceUsage:      true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("forkpool v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newStopCmd())
	c.rootCmd.AddCommand(c.newRestartCmd())
	c.rootCmd.AddCommand(c.newWaitCmd())
	c.rootCmd.AddCommand(c.newConfigCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: ./forkpool.yaml)")
	flags.StringVar(&c.config.StateDir, "state-dir", c.config.StateDir, "directory for the pid file and pool state")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", c.config.Verbosity, "CLI log level (debug, info, warn, error)")
}

func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	c.logger = logger.CreateLogger(logger.DestinationStderr, c.config.Verbosity)
	c.console = logger.NewConsoleLogger(c.output, c.errorOut)

	v, err := config.NewViper(c.config.ConfigFile, ".")
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if f := flags.Lookup("state-dir"); f != nil {
		if err := v.BindPFlag(config.KeyStateDir, f); err != nil {
			return fmt.Errorf("failed to bind state-dir: %w", err)
		}
	}
	for key, name := range runFlagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}
	c.viper = v

	if used := v.ConfigFileUsed(); used != "" {
		c.logger.Debug("Using config file", logger.WithField("file", used))
	}
	return nil
}

func (c *CLI) loadConfig() (*config.Config, error) {
	return config.Load(c.viper)
}

func (c *CLI) stateDir() string {
	if c.viper != nil {
		return c.viper.GetString(config.KeyStateDir)
	}
	return c.config.StateDir
}

// ExecuteWithVersion builds a CLI for version and runs it on os.Args.
func ExecuteWithVersion(version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).Execute(os.Args[1:])
}
