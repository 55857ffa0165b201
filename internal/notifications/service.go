package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mxgate/internal/config"
)

const userAgent = "mxgate/0.1.0"

// Service defines the notification surface exposed to the daemon and
// the backend session client.
type Service interface {
	NotifyDaemonStarted(ctx context.Context, address string) error
	NotifyDaemonStopped(ctx context.Context) error
	NotifyDaemonCrashed(ctx context.Context, err error) error
	NotifyAuthRequired(ctx context.Context, reason string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.NtfyRequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint: topic,
		client:   client,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyDaemonStarted(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	message := "Daemon started"
	if address != "" {
		message = fmt.Sprintf("Daemon started, control plane on %s", address)
	}
	data := payload{
		title:   "mxgate - Started",
		message: message,
		tags:    []string{"mxgate", "daemon", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDaemonStopped(ctx context.Context) error {
	data := payload{
		title:   "mxgate - Stopped",
		message: "Daemon stopped",
		tags:    []string{"mxgate", "daemon", "stopped"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDaemonCrashed(ctx context.Context, err error) error {
	message := "Daemon exited unexpectedly"
	if err != nil {
		message = fmt.Sprintf("Daemon exited unexpectedly: %s", strings.TrimSpace(err.Error()))
	}
	data := payload{
		title:    "mxgate - Crashed",
		message:  message,
		tags:     []string{"mxgate", "daemon", "crashed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyAuthRequired(ctx context.Context, reason string) error {
	var builder strings.Builder
	builder.WriteString("Session is no longer valid")
	if reason = strings.TrimSpace(reason); reason != "" {
		builder.WriteString(": ")
		builder.WriteString(reason)
	}
	builder.WriteString("\nLog in again with: mxgate login")

	data := payload{
		title:    "mxgate - Login Required",
		message:  builder.String(),
		tags:     []string{"mxgate", "auth", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "mxgate - Test",
		message:  "Notification system test",
		tags:     []string{"mxgate", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyDaemonStarted(context.Context, string) error { return nil }

func (noopService) NotifyDaemonStopped(context.Context) error { return nil }

func (noopService) NotifyDaemonCrashed(context.Context, error) error { return nil }

func (noopService) NotifyAuthRequired(context.Context, string) error { return nil }

func (noopService) TestNotification(context.Context) error { return nil }
