package config

import (
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeMatrix()
	c.normalizeBot()
	c.normalizeLogging()
	c.NtfyTopic = strings.TrimSpace(c.NtfyTopic)
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	return nil
}

func (c *Config) normalizePaths() error {
	state, err := expandPath(valueOr(c.StateDir, defaultStateDir))
	if err != nil {
		return err
	}
	c.StateDir = state

	logDir, err := expandPath(valueOr(c.LogDir, defaultLogDir))
	if err != nil {
		return err
	}
	c.LogDir = logDir

	downloads, err := expandPath(valueOr(c.DownloadsDir, defaultDownloadsDir))
	if err != nil {
		return err
	}
	c.DownloadsDir = downloads
	return nil
}

func (c *Config) normalizeMatrix() {
	c.Homeserver = strings.TrimSpace(c.Homeserver)
	c.Homeserver = strings.TrimRight(c.Homeserver, "/")
	if c.Homeserver != "" && !strings.Contains(c.Homeserver, "://") {
		c.Homeserver = "https://" + c.Homeserver
	}
}

func (c *Config) normalizeBot() {
	c.BotAccessToken = strings.TrimSpace(c.BotAccessToken)
	if c.BotAccessToken == "" {
		if env, ok := os.LookupEnv(BotTokenEnv); ok {
			c.BotAccessToken = strings.TrimSpace(env)
		}
	}
	c.BotUserID = strings.TrimSpace(c.BotUserID)
}

func (c *Config) normalizeLogging() {
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
