package config

const (
	defaultStateDir              = "~/.local/share/storebroker"
	defaultJournalFile           = "journal.db"
	defaultReadThreads           = 2
	defaultGCCapacity            = 50
	defaultVacuumBinary          = "vacuumd"
	defaultUptimeIntervalSeconds = 1
	defaultScavengeSeconds       = 4 * 60 * 60
	defaultRetryTimeoutMS        = 50
	defaultMaxRetries            = 20
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"

	// PipePathEnv overrides broker.pipe_path when set.
	PipePathEnv = "STOREBROKER_PIPE_PATH"
)

// Default returns a Config populated with repository defaults. The pipe path
// is left empty, which selects the FIFO transport's built-in location; the
// log directory and journal are derived from the state directory.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
		},
		Broker: Broker{
			ReadThreads:           defaultReadThreads,
			GCCapacity:            defaultGCCapacity,
			VacuumBinary:          defaultVacuumBinary,
			UptimeIntervalSeconds: defaultUptimeIntervalSeconds,
			ScavengeSeconds:       defaultScavengeSeconds,
		},
		Client: Client{
			RetryTimeoutMS: defaultRetryTimeoutMS,
			MaxRetries:     defaultMaxRetries,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
