package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"mxgate/internal/config"
	"mxgate/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.NtfyTopic = ""
	svc := notifications.NewService(cfg)
	if err := svc.NotifyDaemonStarted(context.Background(), "127.0.0.1:19876"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		notify         func(svc notifications.Service) error
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name: "daemon started",
			notify: func(svc notifications.Service) error {
				return svc.NotifyDaemonStarted(context.Background(), "127.0.0.1:19876")
			},
			expectTitle:   "mxgate - Started",
			expectMessage: "Daemon started, control plane on 127.0.0.1:19876",
			expectTags:    "mxgate,daemon,started",
		},
		{
			name: "daemon stopped",
			notify: func(svc notifications.Service) error {
				return svc.NotifyDaemonStopped(context.Background())
			},
			expectTitle:   "mxgate - Stopped",
			expectMessage: "Daemon stopped",
			expectTags:    "mxgate,daemon,stopped",
		},
		{
			name: "daemon crashed",
			notify: func(svc notifications.Service) error {
				return svc.NotifyDaemonCrashed(context.Background(), errors.New("listener closed"))
			},
			expectTitle:    "mxgate - Crashed",
			expectMessage:  "Daemon exited unexpectedly: listener closed",
			expectTags:     "mxgate,daemon,crashed",
			expectPriority: "high",
		},
		{
			name: "auth required",
			notify: func(svc notifications.Service) error {
				return svc.NotifyAuthRequired(context.Background(), "homeserver rejected the token")
			},
			expectTitle:    "mxgate - Login Required",
			expectMessage:  "Session is no longer valid: homeserver rejected the token\nLog in again with: mxgate login",
			expectTags:     "mxgate,auth,alert",
			expectPriority: "high",
		},
		{
			name: "test notification",
			notify: func(svc notifications.Service) error {
				return svc.TestNotification(context.Background())
			},
			expectTitle:    "mxgate - Test",
			expectMessage:  "Notification system test",
			expectTags:     "mxgate,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Fatalf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Fatalf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.NtfyTopic = server.URL
			cfg.NtfyRequestTimeout = 5

			svc := notifications.NewService(cfg)
			if err := tc.notify(svc); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceReportsServerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.NtfyTopic = server.URL

	svc := notifications.NewService(cfg)
	err := svc.NotifyDaemonStopped(context.Background())
	if err == nil {
		t.Fatal("expected error from failing ntfy endpoint")
	}
}
