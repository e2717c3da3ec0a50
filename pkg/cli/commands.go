package cli

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/forkpool/forkpool/pkg/daemon"
	"github.com/forkpool/forkpool/pkg/state"
)

// staleAfter marks a snapshot whose heartbeat stopped as stale.
const staleAfter = 3 * state.DefaultHeartbeat

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the control process and its workers",
		Long:  `Display whether a control process is running and the workers it tracked at its last tick.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus()
		},
	}
}

func (c *CLI) newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Drain the pool and stop the control process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSignal(syscall.SIGTERM, "stop")
		},
	}
}

func (c *CLI) newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Drain the pool and re-execute the control process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSignal(syscall.SIGHUP, "restart")
		},
	}
}

func (c *CLI) newWaitCmd() *cobra.Command {
	var timeout int
	var pollInterval int

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for the control process to finish",
		Long: `Wait until the control process has drained its pool and exited.
Useful after 'forkpool stop' in scripts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWait(cmd.Context(), time.Duration(timeout)*time.Second, time.Duration(pollInterval)*time.Millisecond)
		},
	}

	cmd.Flags().IntVarP(&timeout, "timeout", "t", 300, "timeout in seconds (0 = wait forever)")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", 500, "polling interval in milliseconds")

	return cmd
}

func (c *CLI) newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			_, err = c.output.Write(data)
			return err
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of forkpool",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "forkpool v%s\n", c.config.Version)
		},
	}
}

// controlProcess finds the running control process: the daemon pid file
// first, then the pool snapshot of a foreground supervisor. A snapshot
// whose heartbeat stopped may name a reused pid and is ignored.
func (c *CLI) controlProcess() (int, *state.PoolState, error) {
	dir := c.stateDir()
	st, _ := state.NewStateManager(dir, nil).Read()

	if info, ok := daemon.NewPIDFile(dir).Running(); ok {
		return info.PID, st, nil
	}
	if st != nil && !st.Completed && !st.IsStale(time.Now(), staleAfter) && daemon.Alive(st.ControlPID) {
		return st.ControlPID, st, nil
	}
	return 0, st, daemon.ErrDaemonNotRunning
}

func (c *CLI) runStatus() error {
	pid, st, err := c.controlProcess()
	if st == nil && err != nil {
		c.console.Warn("No control process found in " + c.stateDir())
		return nil
	}

	if err != nil {
		c.console.Warn("Control process is not running")
	} else {
		kind := "foreground"
		if st != nil && st.Daemon {
			kind = "daemon"
		}
		c.console.Success(fmt.Sprintf("Control process %d running (%s)", pid, kind))
	}

	if st == nil {
		return nil
	}

	now := time.Now()
	heartbeat := st.Heartbeat.Format("15:04:05")
	if st.IsStale(now, staleAfter) {
		heartbeat = color.YellowString(heartbeat + " (stale)")
	}
	limit := "unlimited"
	if st.TimeLimit > 0 {
		limit = st.TimeLimit.String()
	}
	fmt.Fprintf(c.output, "Workers: %d/%d  Time limit: %s  Last tick: %s\n\n",
		len(st.Workers), st.MaxWorkers, limit, heartbeat)

	if len(st.Workers) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tPID\tNAME\tAGE")
	fmt.Fprintln(w, "---\t---\t----\t---")

	for _, rec := range st.Workers {
		name := rec.Name
		if name == "" {
			name = "-"
		}
		age := rec.Age(st.Heartbeat).Round(time.Second)
		ageText := age.String()
		if st.TimeLimit > 0 && age > st.TimeLimit {
			ageText = color.RedString(ageText)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rec.Key, rec.Pid, name, ageText)
	}

	return w.Flush()
}

func (c *CLI) runSignal(sig syscall.Signal, action string) error {
	pid, _, err := c.controlProcess()
	if err != nil {
		c.console.Warn("Control process is not running")
		return err
	}

	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to %s pid %d: %w", action, pid, err)
	}
	c.console.Success(fmt.Sprintf("Sent %s to control process %d", unix.SignalName(sig), pid))
	return nil
}

func (c *CLI) runWait(ctx context.Context, timeout, pollInterval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	start := time.Now()
	pid, _, err := c.controlProcess()
	if errors.Is(err, daemon.ErrDaemonNotRunning) {
		c.console.Info("Control process is not running")
		return nil
	}
	c.console.Info(fmt.Sprintf("Waiting for control process %d", pid))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("control process %d still running after %s: %w",
				pid, time.Since(start).Round(time.Second), ctx.Err())
		case <-ticker.C:
			if !daemon.Alive(pid) {
				c.console.Success(fmt.Sprintf("Control process %d exited after %s",
					pid, time.Since(start).Round(time.Millisecond)))
				return nil
			}
		}
	}
}
