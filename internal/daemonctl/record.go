package daemonctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// RecordState tracks where a daemon process is in its lifecycle.
type RecordState string

const (
	RecordStarting RecordState = "starting"
	RecordRunning  RecordState = "running"
	RecordStopping RecordState = "stopping"
	RecordStopped  RecordState = "stopped"
	RecordCrashed  RecordState = "crashed"
)

const recordVersion = 1

// DaemonRecord is the liveness file a daemon run maintains in the state
// directory. It is advisory: the instance lock decides who actually
// runs, the record tells CLIs where to find it. A record whose process
// is gone is stale and gets replaced on the next start.
type DaemonRecord struct {
	Version      int         `json:"version"`
	PID          int         `json:"pid"`
	State        RecordState `json:"state"`
	BoundAddress string      `json:"bound_address,omitempty"`
	LogPath      string      `json:"log_path,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ReadRecord loads the daemon record. A missing file is (nil, nil); an
// unreadable or unsupported file is an error the caller treats as a
// stale record.
func ReadRecord(path string) (*DaemonRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read daemon record: %w", err)
	}
	var record DaemonRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse daemon record: %w", err)
	}
	if record.Version != recordVersion {
		return nil, fmt.Errorf("daemon record version %d not supported", record.Version)
	}
	return &record, nil
}

// WriteRecord replaces the daemon record atomically so readers never
// see a half-written file.
func WriteRecord(path string, record DaemonRecord) error {
	record.Version = recordVersion
	record.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode daemon record: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write daemon record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace daemon record: %w", err)
	}
	return nil
}

// ClearRecord removes the daemon record. Already gone is fine.
func ClearRecord(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove daemon record: %w", err)
	}
	return nil
}

// recordClaimsLive reports whether a record says its process should
// still exist. Stopped and crashed records are history, not claims.
func recordClaimsLive(state RecordState) bool {
	switch state {
	case RecordStarting, RecordRunning, RecordStopping:
		return true
	}
	return false
}
