package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"mxgate/internal/config"
	"mxgate/internal/gateway"
	"mxgate/internal/ipc"
)

const (
	probeTimeout = 2 * time.Second
	pollInterval = 200 * time.Millisecond
)

// Probe is the combined view of the daemon record and the live control
// plane. Stale means the record claims a process that no longer exists
// or cannot be read at all.
type Probe struct {
	Record    *DaemonRecord
	Stale     bool
	Alive     bool
	Reachable bool
	Status    *ipc.StatusResponse
}

// ProbeDaemon inspects the record, checks the process, and tries the
// control plane. It never launches or kills anything.
func ProbeDaemon(cfg *config.Config) Probe {
	var probe Probe
	record, err := ReadRecord(cfg.DaemonRecordPath())
	if err != nil {
		probe.Stale = true
	}
	probe.Record = record

	address := cfg.ListenAddress
	if record != nil {
		probe.Alive = ProcessAlive(record.PID)
		if record.BoundAddress != "" {
			address = record.BoundAddress
		}
		if !probe.Alive && recordClaimsLive(record.State) {
			probe.Stale = true
		}
	}

	client, dialErr := ipc.Dial(address, probeTimeout)
	if dialErr != nil {
		return probe
	}
	defer client.Close()
	status, statusErr := client.Status()
	if statusErr != nil {
		return probe
	}
	probe.Reachable = true
	probe.Status = status
	return probe
}

// ProcessAlive reports whether a process with the given pid exists.
// EPERM still means alive, just owned by someone else.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// LaunchOptions controls how the detached daemon process is invoked.
type LaunchOptions struct {
	ConfigPath string
}

// Launch starts a detached daemon process and returns its pid. The
// child runs in its own session so it survives the CLI's terminal.
func Launch(executablePath string, opts LaunchOptions) (int, error) {
	if strings.TrimSpace(executablePath) == "" {
		return 0, errors.New("executable path is empty")
	}

	args := []string{"daemon", "run"}
	if path := strings.TrimSpace(opts.ConfigPath); path != "" {
		args = append(args, "--config", path)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("launch daemon: %w", err)
	}
	pid := proc.Process.Pid
	if err := proc.Process.Release(); err != nil {
		return pid, fmt.Errorf("detach daemon process: %w", err)
	}
	return pid, nil
}

// StartResult reports what EnsureStarted did.
type StartResult struct {
	PID          int
	Address      string
	LogPath      string
	ClearedStale bool
}

// EnsureStarted launches the daemon unless a live one already answers.
// A verified-live daemon returns AlreadyRunning; a stale record is
// cleared and replaced by a fresh launch.
func EnsureStarted(cfg *config.Config, executablePath string, opts LaunchOptions) (StartResult, error) {
	probe := ProbeDaemon(cfg)
	if probe.Reachable && probe.Status.Running {
		result := StartResult{
			PID:     probe.Status.PID,
			Address: probe.Status.Address,
			LogPath: probe.Status.LogPath,
		}
		return result, gateway.Wrap(gateway.ErrAlreadyRunning, "daemonctl", "start",
			fmt.Sprintf("daemon is running (pid %d)", probe.Status.PID), nil)
	}

	var result StartResult
	if probe.Stale {
		if err := ClearRecord(cfg.DaemonRecordPath()); err != nil {
			return result, err
		}
		result.ClearedStale = true
	}

	launchedPID, err := Launch(executablePath, opts)
	if err != nil {
		return result, err
	}

	record, err := awaitRunning(cfg, launchedPID, time.Duration(cfg.StartWaitTimeout)*time.Second)
	if err != nil {
		return result, err
	}
	result.PID = record.PID
	result.Address = record.BoundAddress
	result.LogPath = record.LogPath
	return result, nil
}

// awaitRunning polls until the launched process publishes a running
// record and answers on its bound address. If the process dies first,
// a concurrent start may still have won the instance lock; that counts
// as running too.
func awaitRunning(cfg *config.Config, launchedPID int, budget time.Duration) (*DaemonRecord, error) {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		record, err := ReadRecord(cfg.DaemonRecordPath())
		if err == nil && record != nil && record.State == RecordRunning && record.PID == launchedPID && record.BoundAddress != "" {
			if verifyControlPlane(record.BoundAddress, record.PID) {
				return record, nil
			}
		}
		if !ProcessAlive(launchedPID) {
			if record, err := ReadRecord(cfg.DaemonRecordPath()); err == nil && record != nil && record.State == RecordRunning && ProcessAlive(record.PID) {
				if verifyControlPlane(record.BoundAddress, record.PID) {
					return record, nil
				}
			}
			return nil, fmt.Errorf("daemon process %d exited during startup; check logs under %s", launchedPID, cfg.LogDir)
		}
		time.Sleep(pollInterval)
	}
	return nil, fmt.Errorf("daemon did not become ready within %s", budget)
}

func verifyControlPlane(address string, pid int) bool {
	if address == "" {
		return false
	}
	client, err := ipc.Dial(address, probeTimeout)
	if err != nil {
		return false
	}
	defer client.Close()
	status, err := client.Status()
	return err == nil && status.Running && status.PID == pid
}

// StopResult reports what StopAndTerminate did.
type StopResult struct {
	PID          int
	Acknowledged bool
	ForcedKill   bool
	ClearedStale bool
}

// StopAndTerminate asks a running daemon to stop and escalates to
// SIGKILL when it overstays the grace period. Stale records are
// cleared; a missing daemon reports NotRunning.
func StopAndTerminate(cfg *config.Config) (StopResult, error) {
	probe := ProbeDaemon(cfg)
	var result StopResult
	grace := time.Duration(cfg.StopGracePeriod) * time.Second

	if !probe.Reachable {
		if probe.Record != nil && probe.Stale {
			if err := ClearRecord(cfg.DaemonRecordPath()); err != nil {
				return result, err
			}
			result.ClearedStale = true
			result.PID = probe.Record.PID
			return result, gateway.Wrap(gateway.ErrNotRunning, "daemonctl", "stop",
				fmt.Sprintf("removed stale record for pid %d", probe.Record.PID), nil)
		}
		if probe.Record != nil && probe.Alive && recordClaimsLive(probe.Record.State) {
			// The process exists but the control plane does not answer.
			// Signal it directly.
			result.PID = probe.Record.PID
			return terminate(cfg, result, grace)
		}
		return result, gateway.Wrap(gateway.ErrNotRunning, "daemonctl", "stop", "", nil)
	}

	result.PID = probe.Status.PID
	address := cfg.ListenAddress
	if probe.Record != nil && probe.Record.BoundAddress != "" {
		address = probe.Record.BoundAddress
	} else if probe.Status.Address != "" {
		address = probe.Status.Address
	}

	client, err := ipc.Dial(address, probeTimeout)
	if err == nil {
		resp, stopErr := client.Stop()
		_ = client.Close()
		if stopErr == nil && resp.Stopping {
			result.Acknowledged = true
		}
	}

	if waitForExit(result.PID, grace) {
		return result, nil
	}
	return terminate(cfg, result, 0)
}

// terminate escalates: SIGTERM with whatever grace remains, then
// SIGKILL. The current process is never a valid target.
func terminate(cfg *config.Config, result StopResult, grace time.Duration) (StopResult, error) {
	pid := result.PID
	if pid == os.Getpid() {
		return result, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}

	if grace > 0 {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
		}
		if waitForExit(pid, grace) {
			return result, nil
		}
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	result.ForcedKill = true

	// Mark the record crashed before removing it. If the removal fails
	// the leftover record no longer claims a live daemon.
	recordPath := cfg.DaemonRecordPath()
	if record, err := ReadRecord(recordPath); err == nil && record != nil {
		record.State = RecordCrashed
		_ = WriteRecord(recordPath, *record)
	}
	if err := ClearRecord(recordPath); err != nil {
		return result, err
	}
	return result, nil
}

func waitForExit(pid int, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !ProcessAlive(pid)
}

// RestartResult reports both halves of a restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// Restart stops the daemon if one runs, then starts a fresh one. A
// daemon that was not running is fine; anything else that fails the
// stop aborts the restart.
func Restart(cfg *config.Config, executablePath string, opts LaunchOptions) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(cfg)
	if stopErr != nil && !errors.Is(stopErr, gateway.ErrNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(cfg, executablePath, opts)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}

// ResolveLogPath picks the best log file to read: the running daemon's
// own report, then the record, then the configured default pointer.
func ResolveLogPath(cfg *config.Config, probe Probe) string {
	if probe.Reachable && probe.Status.LogPath != "" {
		return probe.Status.LogPath
	}
	if probe.Record != nil && probe.Record.LogPath != "" {
		return probe.Record.LogPath
	}
	return cfg.DaemonLogPath()
}
