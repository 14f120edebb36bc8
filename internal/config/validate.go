package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	if c.Paths.JournalPath == "" {
		return errors.New("paths.journal_path must be set")
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.ReadThreads < 0 {
		return errors.New("broker.read_threads must be zero or positive")
	}
	if c.Broker.GCCapacity < 1 {
		return errors.New("broker.gc_capacity must be positive")
	}
	if c.Broker.UptimeIntervalSeconds < 0 {
		return errors.New("broker.uptime_interval_seconds must be zero or positive")
	}
	if c.Broker.ScavengeSeconds < 1 {
		return errors.New("broker.scavenge_seconds must be positive")
	}
	return nil
}

func (c *Config) validateClient() error {
	if c.Client.RetryTimeoutMS < 1 {
		return errors.New("client.retry_timeout_ms must be positive")
	}
	if c.Client.MaxRetries < -1 {
		return errors.New("client.max_retries must be -1 (unlimited) or zero or positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
