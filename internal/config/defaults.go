package config

const (
	DefaultDatabase          = "hsenotify.db"
	DefaultListen            = "127.0.0.1:8740"
	DefaultLockFile          = "hsenotify.lock"
	DefaultRulesFile         = "rules.yaml"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	DefaultTickInterval      = "1m"
	DefaultStaleAfter        = "5m"
	DefaultWorkers           = 4
	DefaultBufferSize        = 256
	DefaultMaxAttempts       = 5
	DefaultInitialBackoff    = "2s"
	DefaultMaxBackoff        = "2m"
	DefaultBackoffMultiplier = 2.0
	DefaultSendTimeout       = "10s"
	DefaultRatePerSecond     = 20
	DefaultBurst             = 5
	DefaultChannelTimeout    = "10s"
)

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		Database:  DefaultDatabase,
		Listen:    DefaultListen,
		LockFile:  DefaultLockFile,
		RulesFile: DefaultRulesFile,
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
		Scheduler: SchedulerConfig{
			TickInterval: DefaultTickInterval,
			StaleAfter:   DefaultStaleAfter,
		},
		Dispatch: DispatchConfig{
			Workers:           DefaultWorkers,
			BufferSize:        DefaultBufferSize,
			MaxAttempts:       DefaultMaxAttempts,
			InitialBackoff:    DefaultInitialBackoff,
			MaxBackoff:        DefaultMaxBackoff,
			BackoffMultiplier: DefaultBackoffMultiplier,
			SendTimeout:       DefaultSendTimeout,
			RatePerSecond:     DefaultRatePerSecond,
			Burst:             DefaultBurst,
		},
		Channels: ChannelsConfig{
			Backends: []string{"terminal"},
			Timeout:  DefaultChannelTimeout,
		},
		Thresholds: ThresholdsConfig{
			VaccinationCriticalDays: 30,
			PPEWarningDays:          7,
			PPENoticeDays:           30,
			AuditCriticalDays:       14,
		},
	}
}
