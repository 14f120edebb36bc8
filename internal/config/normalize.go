package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeBroker(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.JournalPath) == "" {
		c.Paths.JournalPath = filepath.Join(c.Paths.StateDir, defaultJournalFile)
	}
	if c.Paths.JournalPath, err = expandPath(c.Paths.JournalPath); err != nil {
		return fmt.Errorf("paths.journal_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeBroker() error {
	if value, ok := os.LookupEnv(PipePathEnv); ok && strings.TrimSpace(value) != "" {
		c.Broker.PipePath = value
	}
	c.Broker.PipePath = strings.TrimSpace(c.Broker.PipePath)
	if c.Broker.PipePath != "" {
		var err error
		if c.Broker.PipePath, err = expandPath(c.Broker.PipePath); err != nil {
			return fmt.Errorf("broker.pipe_path: %w", err)
		}
	}

	c.Broker.VacuumBinary = strings.TrimSpace(c.Broker.VacuumBinary)
	if c.Broker.VacuumBinary == "" {
		c.Broker.VacuumBinary = defaultVacuumBinary
	}
	// Bare names are resolved later against the daemon executable and PATH.
	if strings.ContainsRune(c.Broker.VacuumBinary, filepath.Separator) || strings.HasPrefix(c.Broker.VacuumBinary, "~") {
		var err error
		if c.Broker.VacuumBinary, err = expandPath(c.Broker.VacuumBinary); err != nil {
			return fmt.Errorf("broker.vacuum_binary: %w", err)
		}
	}

	if c.Broker.GCCapacity == 0 {
		c.Broker.GCCapacity = defaultGCCapacity
	}
	if c.Broker.UptimeIntervalSeconds == 0 {
		c.Broker.UptimeIntervalSeconds = defaultUptimeIntervalSeconds
	}
	if c.Broker.ScavengeSeconds == 0 {
		c.Broker.ScavengeSeconds = defaultScavengeSeconds
	}
	if c.Client.RetryTimeoutMS == 0 {
		c.Client.RetryTimeoutMS = defaultRetryTimeoutMS
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
