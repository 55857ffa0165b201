package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"mxgate/internal/config"
	"mxgate/internal/daemonctl"
	"mxgate/internal/dispatch"
)

// commandContext carries the lazily loaded configuration shared by
// every command in one invocation.
type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce  sync.Once
	config      *config.Config
	configPath  string
	configFound bool
	configErr   error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolvedPath, found, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolvedPath
		c.configFound = found
	})
	return c.config, c.configErr
}

// dispatcher builds the per-invocation operation router.
func (c *commandContext) dispatcher() (*dispatch.Dispatcher, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return dispatch.New(cfg, nil), nil
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// launchOptions forwards the config flag to a detached daemon process
// so both ends read the same file.
func (c *commandContext) launchOptions() daemonctl.LaunchOptions {
	var opts daemonctl.LaunchOptions
	if c.configFlag != nil {
		if path := strings.TrimSpace(*c.configFlag); path != "" {
			opts.ConfigPath = path
		}
	}
	return opts
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
