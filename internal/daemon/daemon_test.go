package daemon_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"mxgate/internal/daemon"
	"mxgate/internal/gateway"
	"mxgate/internal/testsupport"
)

func startDaemon(t *testing.T, opts ...testsupport.ConfigOption) *daemon.Daemon {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	d, err := daemon.New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestStartStop(t *testing.T) {
	d := startDaemon(t)

	status := d.Status()
	if !status.Running {
		t.Fatal("daemon should report running")
	}
	if status.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", status.PID, os.Getpid())
	}
	if status.StorePath == "" {
		t.Error("store path missing from status")
	}
	if status.StartedAt.IsZero() {
		t.Error("started_at missing from status")
	}
	// No stored session in a fresh state dir.
	if status.Session.State != gateway.StateErrored {
		t.Errorf("session state = %s, want %s", status.Session.State, gateway.StateErrored)
	}
	if !status.Lane.Running {
		t.Error("lane should be running")
	}

	d.Stop()
	if d.Status().Running {
		t.Error("daemon should report stopped after Stop")
	}
}

func TestStartTwiceInProcess(t *testing.T) {
	d := startDaemon(t)

	if err := d.Start(context.Background()); !errors.Is(err, gateway.ErrAlreadyRunning) {
		t.Fatalf("second Start: got %v, want AlreadyRunning", err)
	}
}

func TestSecondInstanceRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	first, err := daemon.New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	t.Cleanup(first.Stop)

	second, err := daemon.New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Start(context.Background()); !errors.Is(err, gateway.ErrAlreadyRunning) {
		t.Fatalf("second instance Start: got %v, want AlreadyRunning", err)
	}

	// The first instance keeps working and the lock frees up on Stop.
	first.Stop()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start after first stopped: %v", err)
	}
	second.Stop()
}

func TestSubmit(t *testing.T) {
	d := startDaemon(t)

	value, err := d.Submit(context.Background(), "ping", func(context.Context) (any, error) {
		return "pong", nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if value != "pong" {
		t.Errorf("value = %v", value)
	}

	d.Stop()
	if _, err := d.Submit(context.Background(), "ping", nil); !errors.Is(err, gateway.ErrDaemonUnavailable) {
		t.Fatalf("Submit after Stop: got %v, want DaemonUnavailable", err)
	}
}

func TestSubmitMapsBackpressure(t *testing.T) {
	d := startDaemon(t, testsupport.WithQueueDepth(1))

	gate := make(chan struct{})
	go func() {
		_, _ = d.Submit(context.Background(), "gate", func(context.Context) (any, error) {
			<-gate
			return nil, nil
		})
	}()
	waitFor(t, "gate job to start", func() bool { return d.Status().Lane.Busy })

	go func() {
		_, _ = d.Submit(context.Background(), "queued", func(context.Context) (any, error) {
			return nil, nil
		})
	}()
	waitFor(t, "queue to fill", func() bool { return d.Status().Lane.Depth == 1 })

	_, err := d.Submit(context.Background(), "overflow", func(context.Context) (any, error) {
		return nil, nil
	})
	if !errors.Is(err, gateway.ErrOverloaded) {
		t.Fatalf("got %v, want Overloaded", err)
	}
	close(gate)
}

func TestRequestShutdown(t *testing.T) {
	d := startDaemon(t)

	select {
	case <-d.ShutdownRequested():
		t.Fatal("shutdown channel closed before any request")
	default:
	}

	d.RequestShutdown()
	d.RequestShutdown() // second call is a no-op

	select {
	case <-d.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel never closed")
	}
}

func TestStatusCarriesRunMetadata(t *testing.T) {
	d := startDaemon(t)

	d.SetBoundAddress("127.0.0.1:45000")
	d.SetLogPath("/tmp/mxgate-test.log")

	status := d.Status()
	if status.Address != "127.0.0.1:45000" {
		t.Errorf("address = %q", status.Address)
	}
	if status.LogPath != "/tmp/mxgate-test.log" {
		t.Errorf("log path = %q", status.LogPath)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
