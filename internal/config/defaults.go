package config

const (
	defaultConfigPath = "~/.mxgate/config.toml"

	defaultStateDir     = "~/.mxgate"
	defaultLogDir       = "~/.mxgate/logs"
	defaultDownloadsDir = "~/.mxgate/downloads"

	defaultListenAddress    = "127.0.0.1:19876"
	defaultQueueDepth       = 32
	defaultRequestTimeout   = 120
	defaultClientTimeout    = 120
	defaultStopGracePeriod  = 5
	defaultStartWaitTimeout = 10

	defaultHomeserver           = "https://matrix.org"
	defaultMatrixRequestTimeout = 30
	defaultMaxRetries           = 3
	defaultRetryBackoffMS       = 500

	defaultNtfyRequestTimeout = 10

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30
)

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		StateDir:     defaultStateDir,
		LogDir:       defaultLogDir,
		DownloadsDir: defaultDownloadsDir,

		ListenAddress:    defaultListenAddress,
		QueueDepth:       defaultQueueDepth,
		RequestTimeout:   defaultRequestTimeout,
		ClientTimeout:    defaultClientTimeout,
		StopGracePeriod:  defaultStopGracePeriod,
		StartWaitTimeout: defaultStartWaitTimeout,

		Homeserver:           defaultHomeserver,
		MatrixRequestTimeout: defaultMatrixRequestTimeout,
		MaxRetries:           defaultMaxRetries,
		RetryBackoffMS:       defaultRetryBackoffMS,

		NtfyRequestTimeout: defaultNtfyRequestTimeout,

		LogFormat:        defaultLogFormat,
		LogLevel:         defaultLogLevel,
		LogRetentionDays: defaultLogRetentionDays,
	}
}
