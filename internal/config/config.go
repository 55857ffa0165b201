package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

const (
	// ConfigPathEnv overrides the default config file location.
	ConfigPathEnv = "MXGATE_CONFIG"

	// BotTokenEnv supplies the bot access token when the config file
	// leaves bot_access_token empty.
	BotTokenEnv = "MXGATE_BOT_TOKEN"
)

// Config captures every tunable mxgate reads at startup. Fields map
// one-to-one onto keys in config.toml.
type Config struct {
	// Directories
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
	DownloadsDir string `toml:"downloads_dir"`

	// Control port
	ListenAddress    string `toml:"listen_address"`
	QueueDepth       int    `toml:"queue_depth"`
	RequestTimeout   int    `toml:"request_timeout"`   // seconds, per queued request
	ClientTimeout    int    `toml:"client_timeout"`    // seconds, client dial and wait budget
	StopGracePeriod  int    `toml:"stop_grace_period"` // seconds before SIGKILL
	StartWaitTimeout int    `toml:"start_wait_timeout"`

	// Matrix backend
	Homeserver           string `toml:"homeserver"`
	MatrixRequestTimeout int    `toml:"matrix_request_timeout"` // seconds per HTTP attempt
	MaxRetries           int    `toml:"max_retries"`
	RetryBackoffMS       int    `toml:"retry_backoff_ms"`

	// Bot API access
	BotAccessToken string `toml:"bot_access_token"`
	BotUserID      string `toml:"bot_user_id"`

	// Notifications
	NtfyTopic          string `toml:"ntfy_topic"`
	NtfyRequestTimeout int    `toml:"ntfy_request_timeout"`

	// Logging
	LogFormat        string `toml:"log_format"`
	LogLevel         string `toml:"log_level"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// Load reads configuration from the given path, falling back to the
// MXGATE_CONFIG environment variable and then the default location.
// It returns the populated config, the resolved path, and whether a
// config file was found there. A missing file is not an error: the
// defaults are returned so read-only commands keep working.
func Load(explicitPath string) (*Config, string, bool, error) {
	path, err := resolveConfigPath(explicitPath)
	if err != nil {
		return nil, "", false, err
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if nerr := cfg.normalize(); nerr != nil {
				return nil, path, false, nerr
			}
			return cfg, path, false, nil
		}
		return nil, path, false, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, path, true, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, path, true, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, true, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, true, nil
}

func resolveConfigPath(explicitPath string) (string, error) {
	if trimmed := strings.TrimSpace(explicitPath); trimmed != "" {
		return expandPath(trimmed)
	}
	if env, ok := os.LookupEnv(ConfigPathEnv); ok {
		if trimmed := strings.TrimSpace(env); trimmed != "" {
			return expandPath(trimmed)
		}
	}
	return expandPath(defaultConfigPath)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			trimmed = home
		} else {
			trimmed = filepath.Join(home, trimmed[2:])
		}
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return abs, nil
}

// ExpandPath resolves ~ and relative segments in a user supplied path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

// EnsureDirectories creates the state, log, and download directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.StateDir, c.LogDir, c.DownloadsDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// CreateSample writes the annotated sample config to path. It refuses
// to overwrite an existing file.
func CreateSample(path string) error {
	resolved, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(resolved); err == nil {
		return fmt.Errorf("config file already exists at %s", resolved)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", resolved, err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// DefaultConfigPath returns the expanded default config file location.
func DefaultConfigPath() (string, error) {
	return resolveConfigPath("")
}

// SessionDBPath is where the daemon keeps the authenticated session.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.StateDir, "session.db")
}

// SessionLockPath guards the session database against a second daemon.
func (c *Config) SessionLockPath() string {
	return filepath.Join(c.StateDir, "session.lock")
}

// DaemonRecordPath is where the running daemon publishes its record.
func (c *Config) DaemonRecordPath() string {
	return filepath.Join(c.StateDir, "daemon.json")
}

// DaemonLogPath points at the current daemon log file.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.LogDir, "daemon.log")
}
