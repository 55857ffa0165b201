package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mxgate/internal/config"
	"mxgate/internal/daemonctl"
	"mxgate/internal/daemonrun"
	"mxgate/internal/gateway"
	"mxgate/internal/ipc"
	"mxgate/internal/logs"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the session daemon",
	}

	daemonCmd.AddCommand(newDaemonStartCommand(ctx))
	daemonCmd.AddCommand(newDaemonStopCommand(ctx))
	daemonCmd.AddCommand(newDaemonStatusCommand(ctx))
	daemonCmd.AddCommand(newDaemonRestartCommand(ctx))
	daemonCmd.AddCommand(newDaemonLogsCommand(ctx))
	daemonCmd.AddCommand(newDaemonRunCommand(ctx))
	daemonCmd.AddCommand(newDaemonNotifyCommand(ctx))

	return daemonCmd
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the session daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if foreground {
				return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{})
			}

			stdout := cmd.OutOrStdout()
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(cfg, exe, ctx.launchOptions())
			if err != nil {
				if errors.Is(err, gateway.ErrAlreadyRunning) {
					fmt.Fprintf(stdout, "Daemon already running (pid %d, %s)\n", result.PID, result.Address)
				}
				return err
			}
			if result.ClearedStale {
				fmt.Fprintln(stdout, "Removed stale daemon record")
			}
			fmt.Fprintf(stdout, "Daemon started (pid %d, %s)\n", result.PID, result.Address)
			if result.LogPath != "" {
				fmt.Fprintf(stdout, "Logs: %s\n", result.LogPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run the daemon in this terminal instead of detaching")
	return cmd
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the session daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(cfg)
			if err != nil {
				if result.ClearedStale {
					fmt.Fprintf(stdout, "Removed stale record for pid %d\n", result.PID)
				}
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
				return nil
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			probe := daemonctl.ProbeDaemon(cfg)
			if ctx.jsonOutput() {
				return writeJSON(cmd, statusDocument(probe))
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)
			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range daemonStatusLines(probe, colorize) {
				fmt.Fprintln(stdout, line)
			}
			if !probe.Reachable {
				return nil
			}

			fmt.Fprintln(stdout)
			for _, line := range renderSectionHeader("Session", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range sessionStatusLines(probe.Status.Session, colorize) {
				fmt.Fprintln(stdout, line)
			}

			fmt.Fprintln(stdout)
			for _, line := range renderSectionHeader("Queue", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range queueStatusLines(probe.Status.Queue, colorize) {
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}
}

func newDaemonRestartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the session daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.Restart(cfg, exe, ctx.launchOptions())
			if err != nil {
				return err
			}
			if result.WasRunning {
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintf(stdout, "Daemon started (pid %d, %s)\n", result.Start.PID, result.Start.Address)
			return nil
		},
	}
}

func newDaemonLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			probe := daemonctl.ProbeDaemon(cfg)
			if probe.Reachable {
				return tailThroughDaemon(cmd, cfg, probe, lines, follow)
			}
			return tailLogFile(cmd, daemonctl.ResolveLogPath(cfg, probe), lines, follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines as they arrive")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of trailing lines to print first")
	return cmd
}

// tailThroughDaemon reads via the LogTail RPC: the daemon knows which
// file the current run writes, even across restarts.
func tailThroughDaemon(cmd *cobra.Command, cfg *config.Config, probe daemonctl.Probe, lines int, follow bool) error {
	address := cfg.ListenAddress
	if probe.Record != nil && probe.Record.BoundAddress != "" {
		address = probe.Record.BoundAddress
	}
	client, err := ipc.Dial(address, time.Duration(cfg.ClientTimeout)*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	req := ipc.LogTailRequest{Offset: -1, Lines: lines, Follow: follow}
	if follow {
		req.WaitMillis = 1000
	}
	printed := false
	for {
		resp, err := client.LogTail(req)
		if err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Fprintln(cmd.OutOrStdout(), line)
			printed = true
		}
		req.Offset = resp.Offset
		req.Lines = 0
		if !follow {
			if !printed {
				fmt.Fprintln(cmd.OutOrStdout(), "No log entries available")
			}
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		default:
		}
	}
}

// tailLogFile reads the log file directly when the daemon is down.
func tailLogFile(cmd *cobra.Command, path string, lines int, follow bool) error {
	opts := logs.Options{Offset: -1, Lines: lines}
	printed := false
	for {
		result, err := logs.Tail(cmd.Context(), path, opts)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, line := range result.Lines {
			fmt.Fprintln(cmd.OutOrStdout(), line)
			printed = true
		}
		opts = logs.Options{Offset: result.NextOffset, Follow: follow, Wait: time.Second}
		if !follow {
			if !printed {
				fmt.Fprintln(cmd.OutOrStdout(), "No log entries available")
			}
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		default:
		}
	}
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:          "run",
		Short:        "Run the daemon in the foreground (internal)",
		Hidden:       true,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{})
		},
	}
}

func newDaemonNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Send a test notification through the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			resp, err := d.TestNotification(cmd.Context())
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			switch {
			case resp.Message != "":
				fmt.Fprintln(stdout, resp.Message)
			case resp.Sent:
				fmt.Fprintln(stdout, "Test notification sent")
			default:
				fmt.Fprintln(stdout, "Notification not sent")
			}
			return nil
		},
	}
}
