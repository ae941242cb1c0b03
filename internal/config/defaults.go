package config

const (
	defaultRootDir               = "~/.local/share/transmute/work"
	defaultLogDir                = "~/.local/share/transmute/logs"
	defaultLogFormat             = "auto"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
	defaultSchedulerSlots        = 4
	defaultJobTimeoutSeconds     = 1800
	defaultSweepIntervalSeconds  = 3600
	defaultMaxArtifactAgeHours   = 24
	defaultFreeSpaceThresholdMiB = 512
	defaultNotifyRequestTimeout  = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RootDir: defaultRootDir,
			LogDir:  defaultLogDir,
		},
		Scheduler: Scheduler{
			Slots:      defaultSchedulerSlots,
			JobTimeout: defaultJobTimeoutSeconds,
		},
		Sweeper: Sweeper{
			Interval:              defaultSweepIntervalSeconds,
			MaxArtifactAgeHours:   defaultMaxArtifactAgeHours,
			FreeSpaceThresholdMiB: defaultFreeSpaceThresholdMiB,
		},
		Codecs: Codecs{},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			JobFailures:    true,
			SweepSummary:   true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
