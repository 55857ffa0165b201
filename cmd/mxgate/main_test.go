package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"mxgate/internal/config"
	"mxgate/internal/daemon"
	"mxgate/internal/daemonctl"
	"mxgate/internal/gateway"
	"mxgate/internal/ipc"
	"mxgate/internal/logging"
	"mxgate/internal/sessionstore"
	"mxgate/internal/testsupport"
)

// runCLI executes the command tree with captured streams, the way main
// would after flag parsing.
func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

type cliEnv struct {
	cfg        *config.Config
	configPath string
}

// newCLIEnv builds a test config and persists it to a file, since the
// CLI always goes through config.Load.
func newCLIEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeConfigFile(t, path, cfg)
	return &cliEnv{cfg: cfg, configPath: path}
}

func writeConfigFile(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// startDaemon brings up an in-process daemon the way a detached run
// looks to the CLI: seeded session, control plane on an ephemeral port,
// and a published record pointing at it.
func startDaemon(t *testing.T, cfg *config.Config, homeserver string) *daemon.Daemon {
	t.Helper()

	store, err := sessionstore.Open(cfg)
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	testsupport.SeedSession(t, store, homeserver)
	if err := store.Close(); err != nil {
		t.Fatalf("store.Close: %v", err)
	}

	d, err := daemon.New(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)

	srv, err := ipc.NewServer(context.Background(), "127.0.0.1:0", d, logging.NewNop())
	if err != nil {
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)
	d.SetBoundAddress(srv.Addr())

	record := daemonctl.DaemonRecord{
		PID:          os.Getpid(),
		State:        daemonctl.RecordRunning,
		BoundAddress: srv.Addr(),
		StartedAt:    time.Now().UTC(),
	}
	if err := daemonctl.WriteRecord(cfg.DaemonRecordPath(), record); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	return d
}

// cliHomeserver fakes the slice of the client-server API the session
// commands exercise.
func cliHomeserver(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/account/whoami", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"user_id": "@tester:test.local"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/profile/{user}/displayname", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"displayname": "Tester"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/sync", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]any{"next_batch": "s1"})
	})
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"event_id": "$sent1:test.local"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
		// Backward pagination: newest event first.
		writeTestJSON(w, map[string]any{
			"start": "t0",
			"end":   "t1",
			"chunk": []map[string]any{
				{
					"event_id":         "$m2:test.local",
					"type":             "m.room.message",
					"sender":           "@friend:test.local",
					"origin_server_ts": 1700000060000,
					"content":          map[string]any{"msgtype": "m.text", "body": "second"},
				},
				{
					"event_id":         "$m1:test.local",
					"type":             "m.room.message",
					"sender":           "@friend:test.local",
					"origin_server_ts": 1700000000000,
					"content":          map[string]any{"msgtype": "m.text", "body": "first"},
				},
			},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTestJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func TestCLISendAndWhoamiThroughDaemon(t *testing.T) {
	hs := cliHomeserver(t)
	env := newCLIEnv(t, testsupport.WithHomeserver(hs.URL))
	startDaemon(t, env.cfg, hs.URL)

	out, _, err := runCLI(t, env.configPath, "send", "!ops:test.local", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "Sent $sent1:test.local") || !strings.Contains(out, "!ops:test.local") {
		t.Fatalf("unexpected send output: %q", out)
	}

	out, _, err = runCLI(t, env.configPath, "whoami")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !strings.Contains(out, "@tester:test.local") {
		t.Fatalf("unexpected whoami output: %q", out)
	}
}

func TestCLIWhoamiJSON(t *testing.T) {
	hs := cliHomeserver(t)
	env := newCLIEnv(t, testsupport.WithHomeserver(hs.URL))
	startDaemon(t, env.cfg, hs.URL)

	out, _, err := runCLI(t, env.configPath, "--json", "whoami")
	if err != nil {
		t.Fatalf("whoami --json: %v", err)
	}
	var doc struct {
		Identity struct {
			UserID string `json:"user_id"`
		} `json:"identity"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode whoami json: %v\noutput: %q", err, out)
	}
	if doc.Identity.UserID != "@tester:test.local" {
		t.Errorf("user id = %q", doc.Identity.UserID)
	}
}

func TestCLIMessagesPrintOldestFirst(t *testing.T) {
	hs := cliHomeserver(t)
	env := newCLIEnv(t, testsupport.WithHomeserver(hs.URL))
	startDaemon(t, env.cfg, hs.URL)

	out, _, err := runCLI(t, env.configPath, "messages", "!ops:test.local", "-n", "2")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	first := strings.Index(out, "first")
	second := strings.Index(out, "second")
	if first < 0 || second < 0 {
		t.Fatalf("messages output missing bodies: %q", out)
	}
	if first > second {
		t.Fatalf("expected oldest message first, got %q", out)
	}
}

func TestCLISessionCommandWithoutDaemon(t *testing.T) {
	env := newCLIEnv(t)

	_, _, err := runCLI(t, env.configPath, "send", "!ops:test.local", "hello")
	if !errors.Is(err, gateway.ErrDaemonUnavailable) {
		t.Fatalf("expected DaemonUnavailable, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad_request", gateway.Wrap(gateway.ErrBadRequest, "cli", "", "bad", nil), 2},
		{"unsupported", gateway.Wrap(gateway.ErrUnsupported, "cli", "", "nope", nil), 2},
		{"not_running", gateway.Wrap(gateway.ErrNotRunning, "cli", "", "", nil), 3},
		{"daemon_unavailable", gateway.Wrap(gateway.ErrDaemonUnavailable, "cli", "", "", nil), 3},
		{"auth_required", gateway.Wrap(gateway.ErrAuthRequired, "cli", "", "", nil), 4},
		{"overloaded", gateway.Wrap(gateway.ErrOverloaded, "cli", "", "", nil), 1},
		{"plain", fmt.Errorf("boom"), 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
