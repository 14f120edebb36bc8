package main

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"storebroker/internal/config"
	"storebroker/internal/fifo"
)

type commandContext struct {
	pipeFlag   *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(pipeFlag, configFlag *string) *commandContext {
	return &commandContext{
		pipeFlag:   pipeFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.pipeFlag != nil && strings.TrimSpace(*c.pipeFlag) != "" {
			expanded, err := config.ExpandPath(strings.TrimSpace(*c.pipeFlag))
			if err != nil {
				c.configErr = err
				return
			}
			cfg.Broker.PipePath = expanded
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// pipe returns the broker FIFO with the configured client retry budget.
// retryMS and maxRetries override the config when set.
func (c *commandContext) pipe(retryMS, maxRetries *int) (*fifo.Path, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	interval := cfg.RetryInterval()
	if retryMS != nil && *retryMS > 0 {
		interval = time.Duration(*retryMS) * time.Millisecond
	}
	retries := cfg.Client.MaxRetries
	if maxRetries != nil {
		retries = *maxRetries
	}
	return fifo.New(cfg.Broker.PipePath, fifo.WithRetry(interval, retries)), nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
