package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"mxgate/internal/config"
	"mxgate/internal/gateway"
	"mxgate/internal/lane"
	"mxgate/internal/logging"
	"mxgate/internal/notifications"
	"mxgate/internal/sessionstore"
)

// Daemon supervises the pieces that make one gateway process: the
// exclusively locked session store, the authenticated gateway, and the
// request lane. The control-plane server drives a running daemon
// through Submit, Status, and RequestShutdown; the run loop owns
// Start and Stop.
type Daemon struct {
	cfg      *config.Config
	base     *slog.Logger
	logger   *slog.Logger
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	mu        sync.Mutex
	store     *sessionstore.Store
	gateway   *gateway.Gateway
	lane      *lane.Lane
	startedAt time.Time
	address   string
	logPath   string

	running atomic.Bool

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// Status is the daemon's view of itself, assembled without touching
// the backend.
type Status struct {
	Running   bool
	PID       int
	StartedAt time.Time
	Address   string
	LogPath   string
	StorePath string
	Session   gateway.Snapshot
	Lane      lane.Snapshot
}

// New constructs a daemon. Nothing is locked or opened until Start.
func New(cfg *config.Config, logger *slog.Logger, notifier notifications.Service) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	lockPath := filepath.Join(cfg.StateDir, "mxgated.lock")
	return &Daemon{
		cfg:      cfg,
		base:     logger,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		shutdown: make(chan struct{}),
	}, nil
}

// Start acquires the instance lock, opens the session store, resumes
// the gateway session, and starts the request lane. A second instance
// against the same state directory fails with AlreadyRunning.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return gateway.Wrap(gateway.ErrAlreadyRunning, "daemon", "", "already started in this process", nil)
	}

	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return gateway.Wrap(gateway.ErrAlreadyRunning, "daemon", "", "another instance holds "+d.lockPath, nil)
	}

	store, err := sessionstore.Open(d.cfg)
	if err != nil {
		_ = d.lock.Unlock()
		if errors.Is(err, sessionstore.ErrLocked) {
			return gateway.Wrap(gateway.ErrAlreadyRunning, "daemon", "", "session store is held by another process", nil)
		}
		return fmt.Errorf("open session store: %w", err)
	}

	gw := gateway.New(d.cfg, store, d.base, d.notifier)
	if err := gw.Start(ctx); err != nil {
		_ = store.Close()
		_ = d.lock.Unlock()
		return fmt.Errorf("start gateway: %w", err)
	}

	ln := lane.New(d.cfg.QueueDepth, time.Duration(d.cfg.RequestTimeout)*time.Second, d.base)
	if err := ln.Start(ctx); err != nil {
		gw.Stop()
		_ = store.Close()
		_ = d.lock.Unlock()
		return fmt.Errorf("start request lane: %w", err)
	}

	d.mu.Lock()
	d.store = store
	d.gateway = gw
	d.lane = ln
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()
	d.running.Store(true)

	d.logger.Info("daemon components started",
		logging.String("store", store.Path()),
		logging.Int("queue_depth", d.cfg.QueueDepth),
	)
	return nil
}

// Stop tears everything down in reverse order: the lane first so the
// in-flight job finishes and queued jobs fail, then the gateway, then
// the store, then the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.mu.Lock()
	store, gw, ln := d.store, d.gateway, d.lane
	d.store, d.gateway, d.lane = nil, nil, nil
	d.mu.Unlock()

	if ln != nil {
		ln.Stop()
	}
	if gw != nil {
		gw.Stop()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			d.logger.Warn("session store close failed", logging.Error(err))
		}
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("daemon lock release failed", logging.Error(err))
	}

	d.running.Store(false)
	d.logger.Info("daemon components stopped")
}

// Submit runs one session operation through the request lane, mapping
// lane backpressure and shutdown into the shared taxonomy. The value
// passes through even alongside an error so partial results survive.
func (d *Daemon) Submit(ctx context.Context, operation string, fn func(context.Context) (any, error)) (any, error) {
	d.mu.Lock()
	ln := d.lane
	d.mu.Unlock()
	if ln == nil || !d.running.Load() {
		return nil, gateway.Wrap(gateway.ErrDaemonUnavailable, "daemon", operation, "not accepting requests", nil)
	}

	value, err := ln.Submit(ctx, operation, fn)
	switch {
	case errors.Is(err, lane.ErrQueueFull):
		return value, gateway.Wrap(gateway.ErrOverloaded, "daemon", operation, "queue at capacity", nil)
	case errors.Is(err, lane.ErrStopped), errors.Is(err, lane.ErrNotRunning):
		return value, gateway.Wrap(gateway.ErrDaemonUnavailable, "daemon", operation, "shutting down", nil)
	}
	return value, err
}

// Gateway returns the running gateway, or nil before Start and after
// Stop.
func (d *Daemon) Gateway() *gateway.Gateway {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gateway
}

// RequestShutdown signals the run loop to exit. Safe to call more than
// once; only the first call does anything.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutdown requested")
		close(d.shutdown)
	})
}

// ShutdownRequested is closed once a stop request arrives over the
// control plane.
func (d *Daemon) ShutdownRequested() <-chan struct{} {
	return d.shutdown
}

// SetBoundAddress records the control plane's actual listen address for
// status output.
func (d *Daemon) SetBoundAddress(address string) {
	d.mu.Lock()
	d.address = address
	d.mu.Unlock()
}

// SetLogPath records where this run is logging for status and LogTail.
func (d *Daemon) SetLogPath(path string) {
	d.mu.Lock()
	d.logPath = path
	d.mu.Unlock()
}

// LogPath returns the current run's log file, or empty when logging is
// not going to a file.
func (d *Daemon) LogPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logPath
}

// TestNotification pushes a test message through the configured
// notification channel.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status reports the daemon's current state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	store, gw, ln := d.store, d.gateway, d.lane
	startedAt := d.startedAt
	address := d.address
	logPath := d.logPath
	d.mu.Unlock()

	status := Status{
		Running:   d.running.Load(),
		PID:       os.Getpid(),
		StartedAt: startedAt,
		Address:   address,
		LogPath:   logPath,
	}
	if store != nil {
		status.StorePath = store.Path()
	}
	if gw != nil {
		status.Session = gw.Snapshot()
	}
	if ln != nil {
		status.Lane = ln.Status()
	}
	return status
}
