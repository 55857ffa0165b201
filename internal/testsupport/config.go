package testsupport

import (
	"path/filepath"
	"testing"

	"mxgate/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(base, "state")
	cfg.LogDir = filepath.Join(base, "logs")
	cfg.DownloadsDir = filepath.Join(base, "downloads")
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.Homeserver = "http://127.0.0.1:1"
	cfg.RetryBackoffMS = 1
	cfg.StartWaitTimeout = 2
	cfg.StopGracePeriod = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     cfg,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithHomeserver points the config at a test homeserver, usually an
// httptest server URL.
func WithHomeserver(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Homeserver = url
	}
}

// WithListenAddress overrides the control port address.
func WithListenAddress(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.ListenAddress = addr
	}
}

// WithQueueDepth overrides how many requests may wait in line.
func WithQueueDepth(depth int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.QueueDepth = depth
	}
}

// WithBotToken seeds bot credentials on the test config.
func WithBotToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.BotAccessToken = token
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.StateDir)
}
