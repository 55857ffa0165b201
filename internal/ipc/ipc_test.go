package ipc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mxgate/internal/config"
	"mxgate/internal/daemon"
	"mxgate/internal/gateway"
	"mxgate/internal/ipc"
	"mxgate/internal/logging"
	"mxgate/internal/sessionstore"
	"mxgate/internal/testsupport"
)

// startControl runs a daemon plus its control-plane server on a free
// loopback port and returns a connected client.
func startControl(t *testing.T, cfg *config.Config) (*daemon.Daemon, *ipc.Client) {
	t.Helper()

	d, err := daemon.New(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, err := ipc.NewServer(ctx, "127.0.0.1:0", d, logging.NewNop())
	if err != nil {
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(srv.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return d, client
}

// seedStore stores an authenticated session the way login would, with
// the store closed again before the daemon takes it over.
func seedStore(t *testing.T, cfg *config.Config, homeserver string) {
	t.Helper()
	store, err := sessionstore.Open(cfg)
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	testsupport.SeedSession(t, store, homeserver)
	if err := store.Close(); err != nil {
		t.Fatalf("store.Close: %v", err)
	}
}

func startHomeserver(t *testing.T) *httptest.Server {
	t.Helper()
	writeJSON := func(w http.ResponseWriter, status int, payload any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/account/whoami", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"user_id": "@tester:test.local", "device_id": "MXGATETEST"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/profile/{userID}/displayname", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"displayname": "Tester"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/sync", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"next_batch": "s1"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/user/{userID}/account_data/{eventType}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "no account data"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
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

func TestWhoamiRoundTrip(t *testing.T) {
	hs := startHomeserver(t)
	cfg := testsupport.NewConfig(t, testsupport.WithHomeserver(hs.URL))
	seedStore(t, cfg, hs.URL)
	_, client := startControl(t, cfg)

	resp, err := client.Whoami()
	if err != nil {
		t.Fatalf("Whoami: %v", err)
	}
	if resp.Fault != nil {
		t.Fatalf("unexpected fault: %#v", resp.Fault)
	}
	if resp.Identity.UserID != "@tester:test.local" {
		t.Fatalf("unexpected user id %q", resp.Identity.UserID)
	}
	if resp.Identity.DisplayName != "Tester" {
		t.Fatalf("unexpected display name %q", resp.Identity.DisplayName)
	}
}

// An edit can only name an event id returned by an earlier send, so
// the pair proves jobs complete in submission order. The fake
// homeserver rejects edits that reference an id it has never issued.
func TestSendThenEditUsesReturnedID(t *testing.T) {
	writeJSON := func(w http.ResponseWriter, status int, payload any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}

	var mu sync.Mutex
	events := map[string]map[string]any{}
	var lastEdit map[string]any
	nextID := 0

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/account/whoami", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"user_id": "@tester:test.local", "device_id": "MXGATETEST"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/profile/{userID}/displayname", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"displayname": "Tester"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/sync", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"next_batch": "s1"})
	})
	mux.HandleFunc("GET /_matrix/client/v3/user/{userID}/account_data/{eventType}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "no account data"})
	})
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{roomID}/send/{eventType}/{txnID}", func(w http.ResponseWriter, r *http.Request) {
		var content map[string]any
		if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"errcode": "M_NOT_JSON", "error": "bad body"})
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if relates, ok := content["m.relates_to"].(map[string]any); ok {
			target, _ := relates["event_id"].(string)
			if _, known := events[target]; !known {
				writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "replaced event unknown"})
				return
			}
			lastEdit = content
		}
		nextID++
		eventID := fmt.Sprintf("$%d:test.local", nextID)
		events[eventID] = content
		writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
	})
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{roomID}/event/{eventID}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		content, ok := events[r.PathValue("eventID")]
		mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "event not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"event_id": r.PathValue("eventID"),
			"type":     "m.room.message",
			"sender":   "@tester:test.local",
			"content":  content,
		})
	})
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithHomeserver(hs.URL))
	seedStore(t, cfg, hs.URL)
	_, client := startControl(t, cfg)

	sent, err := client.Send("!ops:test.local", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.EventID == "" {
		t.Fatal("send returned no event id")
	}

	edited, err := client.Edit("!ops:test.local", sent.EventID, "hi!")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if edited.EventID == "" || edited.EventID == sent.EventID {
		t.Fatalf("unexpected replacement id %q", edited.EventID)
	}

	mu.Lock()
	defer mu.Unlock()
	relates, _ := lastEdit["m.relates_to"].(map[string]any)
	if relates["rel_type"] != "m.replace" || relates["event_id"] != sent.EventID {
		t.Fatalf("edit did not reference the send: %#v", lastEdit)
	}
}

func TestFaultCrossesWireTyped(t *testing.T) {
	// No stored session: every queued operation must fail AuthRequired,
	// and the kind has to survive the hop.
	cfg := testsupport.NewConfig(t)
	_, client := startControl(t, cfg)

	resp, err := client.Whoami()
	if err == nil {
		t.Fatal("expected error for missing session")
	}
	if !errors.Is(err, gateway.ErrAuthRequired) {
		t.Fatalf("expected AuthRequired, got %v", err)
	}
	if resp == nil || resp.Fault == nil {
		t.Fatalf("expected response with fault, got %#v", resp)
	}
	if resp.Fault.Kind != gateway.KindAuthRequired {
		t.Fatalf("unexpected fault kind %q", resp.Fault.Kind)
	}
	if !strings.Contains(resp.Fault.Hint, "mxgate login") {
		t.Fatalf("expected login hint, got %q", resp.Fault.Hint)
	}
}

func TestStatusAnswersWhileLaneBusy(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, client := startControl(t, cfg)

	gate := make(chan struct{})
	go func() {
		_, _ = d.Submit(context.Background(), "slow_op", func(context.Context) (any, error) {
			<-gate
			return nil, nil
		})
	}()
	waitFor(t, "lane busy", func() bool {
		return d.Status().Lane.Busy
	})

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status while busy: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running daemon")
	}
	if !status.Queue.Busy || status.Queue.CurrentOperation != "slow_op" {
		t.Fatalf("unexpected queue state: %#v", status.Queue)
	}
	if status.PID != os.Getpid() {
		t.Fatalf("unexpected pid %d", status.PID)
	}
	close(gate)
}

func TestSendReportsOverloaded(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueueDepth(1))
	d, client := startControl(t, cfg)

	gate := make(chan struct{})
	defer close(gate)
	go func() {
		_, _ = d.Submit(context.Background(), "blocker", func(context.Context) (any, error) {
			<-gate
			return nil, nil
		})
	}()
	waitFor(t, "lane busy", func() bool {
		return d.Status().Lane.Busy
	})
	go func() {
		_, _ = d.Submit(context.Background(), "filler", func(context.Context) (any, error) {
			return nil, nil
		})
	}()
	waitFor(t, "queue full", func() bool {
		return d.Status().Lane.Depth == 1
	})

	resp, err := client.Send("#ops:test.local", "hello")
	if !errors.Is(err, gateway.ErrOverloaded) {
		t.Fatalf("expected Overloaded, got %v", err)
	}
	if resp == nil || resp.Fault == nil || resp.Fault.Kind != gateway.KindOverloaded {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestStopSignalsShutdown(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, client := startControl(t, cfg)

	resp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !resp.Stopping {
		t.Fatal("expected Stopping=true")
	}
	select {
	case <-d.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown channel never closed")
	}
}

func TestLogTailServesDaemonLog(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, client := startControl(t, cfg)

	// Without a log path the daemon reports an empty cursor.
	empty, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Lines: 5})
	if err != nil {
		t.Fatalf("LogTail without path: %v", err)
	}
	if len(empty.Lines) != 0 || empty.Offset != 0 {
		t.Fatalf("unexpected empty-path response: %#v", empty)
	}

	logPath := filepath.Join(cfg.LogDir, "mxgate-test.log")
	content := "first\nsecond\nthird\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	d.SetLogPath(logPath)

	resp, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Lines: 2})
	if err != nil {
		t.Fatalf("LogTail: %v", err)
	}
	if len(resp.Lines) != 2 || resp.Lines[0] != "second" || resp.Lines[1] != "third" {
		t.Fatalf("unexpected tail lines: %#v", resp.Lines)
	}
	if resp.Offset != int64(len(content)) {
		t.Fatalf("unexpected cursor %d", resp.Offset)
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("append log: %v", err)
	}
	if _, err := file.WriteString("fourth\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	_ = file.Close()

	next, err := client.LogTail(ipc.LogTailRequest{Offset: resp.Offset})
	if err != nil {
		t.Fatalf("LogTail from cursor: %v", err)
	}
	if len(next.Lines) != 1 || next.Lines[0] != "fourth" {
		t.Fatalf("unexpected incremental lines: %#v", next.Lines)
	}
}

func TestLogTailFollowWaitsForAppends(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, client := startControl(t, cfg)

	logPath := filepath.Join(cfg.LogDir, "mxgate-test.log")
	if err := os.WriteFile(logPath, []byte("seed\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	d.SetLogPath(logPath)

	done := make(chan *ipc.LogTailResponse, 1)
	go func() {
		resp, err := client.LogTail(ipc.LogTailRequest{Offset: 5, Follow: true, WaitMillis: 1000})
		if err != nil {
			t.Errorf("LogTail follow: %v", err)
			done <- nil
			return
		}
		done <- resp
	}()

	time.Sleep(100 * time.Millisecond)
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("append log: %v", err)
	}
	if _, err := file.WriteString("update\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	_ = file.Close()

	select {
	case resp := <-done:
		if resp == nil {
			t.Fatal("follow returned no response")
		}
		if len(resp.Lines) != 1 || resp.Lines[0] != "update" {
			t.Fatalf("unexpected follow lines: %#v", resp.Lines)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("log tail follow timed out")
	}
}

func TestNotificationWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, client := startControl(t, cfg)

	resp, err := client.TestNotification()
	if err != nil {
		t.Fatalf("TestNotification: %v", err)
	}
	if resp.Sent {
		t.Fatal("expected Sent=false without a configured topic")
	}
	if resp.Message == "" {
		t.Fatal("expected explanatory message")
	}
}

func TestNewServerRefusesNonLoopback(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	for _, address := range []string{"0.0.0.0:0", "192.168.1.10:19876", "example.com:19876"} {
		if _, err := ipc.NewServer(context.Background(), address, d, logging.NewNop()); err == nil {
			t.Fatalf("expected refusal for %s", address)
		}
	}

	srv, err := ipc.NewServer(context.Background(), "localhost:0", d, logging.NewNop())
	if err != nil {
		t.Fatalf("localhost listen: %v", err)
	}
	srv.Close()
}

func TestDialUnreachableDaemon(t *testing.T) {
	_, err := ipc.Dial("127.0.0.1:1", time.Second)
	if !errors.Is(err, gateway.ErrDaemonUnavailable) {
		t.Fatalf("expected DaemonUnavailable, got %v", err)
	}
}
