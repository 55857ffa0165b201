package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"log/slog"

	"mxgate/internal/config"
	"mxgate/internal/daemon"
	"mxgate/internal/daemonctl"
	"mxgate/internal/gateway"
	"mxgate/internal/ipc"
	"mxgate/internal/logging"
	"mxgate/internal/notifications"
)

// Options configures the daemon process runtime.
type Options struct {
	LogLevel    string
	Development bool
}

// Run executes the daemon in the foreground: per-run log file, session
// components, control plane, liveness record, then block until a stop
// request or signal arrives. `daemon start` launches this detached;
// running it directly keeps the daemon in the terminal.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.LogDir, fmt.Sprintf("mxgate-%s.log", runID))

	level := opts.LogLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.LogFormat,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.DaemonLogPath(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s: %v\n", cfg.DaemonLogPath(), err)
	}
	logging.CleanupOldLogs(logger, cfg.LogRetentionDays,
		logging.RetentionTarget{Dir: cfg.LogDir, Pattern: "mxgate-*.log", Exclude: []string{logPath}},
	)

	notifier := notifications.NewService(cfg)
	err = run(signalCtx, cfg, logger, notifier, logPath)
	if err != nil && !errors.Is(err, gateway.ErrAlreadyRunning) {
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		if notifyErr := notifier.NotifyDaemonCrashed(notifyCtx, err); notifyErr != nil {
			logger.Warn("crash notification failed", logging.Error(notifyErr))
		}
	}
	return err
}

// run owns the record lifecycle. The record is written only after the
// daemon holds the instance lock, so a losing second process never
// overwrites the primary's record.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, notifier notifications.Service, logPath string) error {
	d, err := daemon.New(cfg, logger, notifier)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		if errors.Is(err, gateway.ErrAlreadyRunning) {
			logger.Error("another daemon instance is already running", logging.Error(err))
			return err
		}
		return fmt.Errorf("start daemon: %w", err)
	}
	defer d.Stop()

	recordPath := cfg.DaemonRecordPath()
	startedAt := time.Now().UTC()
	record := daemonctl.DaemonRecord{
		PID:       os.Getpid(),
		State:     daemonctl.RecordStarting,
		LogPath:   logPath,
		StartedAt: startedAt,
	}
	if err := daemonctl.WriteRecord(recordPath, record); err != nil {
		return err
	}

	srv, err := ipc.NewServer(ctx, cfg.ListenAddress, d, logger)
	if err != nil {
		record.State = daemonctl.RecordCrashed
		_ = daemonctl.WriteRecord(recordPath, record)
		return fmt.Errorf("start control plane: %w", err)
	}
	srv.Serve()
	defer srv.Close()

	address := srv.Addr()
	d.SetBoundAddress(address)
	d.SetLogPath(logPath)

	record.State = daemonctl.RecordRunning
	record.BoundAddress = address
	if err := daemonctl.WriteRecord(recordPath, record); err != nil {
		return err
	}

	logger.Info("daemon ready",
		logging.String("address", address),
		logging.String("log", logPath),
		logging.Int("pid", os.Getpid()),
	)
	if err := notifier.NotifyDaemonStarted(ctx, address); err != nil {
		logger.Warn("start notification failed", logging.Error(err))
	}

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case <-d.ShutdownRequested():
		logger.Info("stop request received, shutting down")
	}

	record.State = daemonctl.RecordStopping
	_ = daemonctl.WriteRecord(recordPath, record)

	srv.Close()
	d.Stop()

	record.State = daemonctl.RecordStopped
	if err := daemonctl.WriteRecord(recordPath, record); err != nil {
		logger.Warn("final record write failed", logging.Error(err))
	}

	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.NotifyDaemonStopped(notifyCtx); err != nil {
		logger.Warn("stop notification failed", logging.Error(err))
	}
	logger.Info("daemon stopped")
	return nil
}

// ensureCurrentLogPointer keeps a stable path pointing at the current
// run's log file. Symlinks are preferred; hard links cover filesystems
// without them.
func ensureCurrentLogPointer(current, target string) error {
	if current == "" || target == "" {
		return nil
	}
	if err := os.Remove(current); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}
