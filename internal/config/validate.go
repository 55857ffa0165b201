package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks semantic constraints after normalization.
func (c *Config) Validate() error {
	if err := c.validateDirectories(); err != nil {
		return err
	}
	if err := c.validateControl(); err != nil {
		return err
	}
	if err := c.validateMatrix(); err != nil {
		return err
	}
	if err := c.validateBot(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDirectories() error {
	required := map[string]string{
		"state_dir":     c.StateDir,
		"log_dir":       c.LogDir,
		"downloads_dir": c.DownloadsDir,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must be set", name)
		}
	}
	return nil
}

func (c *Config) validateControl() error {
	listen := strings.TrimSpace(c.ListenAddress)
	if listen == "" {
		return fmt.Errorf("listen_address must be set")
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("listen_address %q must be host:port: %w", listen, err)
	}
	if port == "" {
		return fmt.Errorf("listen_address %q is missing a port", listen)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("listen_address %q is not a loopback address; the control port must never be reachable from other hosts", listen)
	}
	return ensurePositiveMap(map[string]int{
		"queue_depth":        c.QueueDepth,
		"request_timeout":    c.RequestTimeout,
		"client_timeout":     c.ClientTimeout,
		"stop_grace_period":  c.StopGracePeriod,
		"start_wait_timeout": c.StartWaitTimeout,
	})
}

func (c *Config) validateMatrix() error {
	if c.Homeserver == "" {
		return fmt.Errorf("homeserver must be set")
	}
	parsed, err := url.Parse(c.Homeserver)
	if err != nil {
		return fmt.Errorf("homeserver %q is not a valid URL: %w", c.Homeserver, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("homeserver %q must use http or https", c.Homeserver)
	}
	if parsed.Host == "" {
		return fmt.Errorf("homeserver %q is missing a host", c.Homeserver)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return ensurePositiveMap(map[string]int{
		"matrix_request_timeout": c.MatrixRequestTimeout,
		"retry_backoff_ms":       c.RetryBackoffMS,
	})
}

func (c *Config) validateBot() error {
	if c.BotUserID != "" {
		if !strings.HasPrefix(c.BotUserID, "@") || !strings.Contains(c.BotUserID, ":") {
			return fmt.Errorf("bot_user_id %q must look like @localpart:server", c.BotUserID)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format %q must be console or json", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn, or error", c.LogLevel)
	}
	if c.LogRetentionDays < 0 {
		return fmt.Errorf("log_retention_days must not be negative")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
