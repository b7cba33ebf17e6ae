package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RevCBH/hsenotify/internal/deadline"
	"github.com/RevCBH/hsenotify/internal/delivery"
	"github.com/RevCBH/hsenotify/internal/dispatch"
	"github.com/RevCBH/hsenotify/internal/normalize"
)

// DefaultConfigFile is looked up in the working directory when no path is given.
const DefaultConfigFile = "hsenotify.yaml"

// Config holds all configuration for the hsenotify daemon.
// It is immutable after creation via Load().
type Config struct {
	// Database is the SQLite database path
	Database string `yaml:"database"`

	// Listen is the HTTP address of the ingestion and acknowledgement API
	Listen string `yaml:"listen"`

	// LockFile guards against two daemons sharing one database
	LockFile string `yaml:"lock_file"`

	// RulesFile is the YAML escalation rule set
	RulesFile string `yaml:"rules_file"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogFormat is "console" or "json"
	LogFormat string `yaml:"log_format"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Directory  DirectoryConfig  `yaml:"directory"`
}

// SchedulerConfig controls the deadline scheduler clock.
type SchedulerConfig struct {
	// TickInterval is how often deadlines and escalation timers are checked
	TickInterval string `yaml:"tick_interval"`

	// StaleAfter is how long without a successful tick before /healthz fails
	StaleAfter string `yaml:"stale_after"`
}

// DispatchConfig controls the delivery worker pool and retries.
type DispatchConfig struct {
	Workers           int     `yaml:"workers"`
	BufferSize        int     `yaml:"buffer_size"`
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoff    string  `yaml:"initial_backoff"`
	MaxBackoff        string  `yaml:"max_backoff"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	SendTimeout       string  `yaml:"send_timeout"`

	// RatePerSecond limits channel sends; 0 disables limiting
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// ChannelsConfig selects the delivery backends.
type ChannelsConfig struct {
	// Backends lists "terminal", "webhook" and/or "slack"
	Backends     []string `yaml:"backends"`
	WebhookURL   string   `yaml:"webhook_url"`
	SlackWebhook string   `yaml:"slack_webhook"`
	Timeout      string   `yaml:"timeout"`
}

// ThresholdsConfig holds the severity classification thresholds in days.
type ThresholdsConfig struct {
	VaccinationCriticalDays int `yaml:"vaccination_critical_days"`
	PPEWarningDays          int `yaml:"ppe_warning_days"`
	PPENoticeDays           int `yaml:"ppe_notice_days"`
	AuditCriticalDays       int `yaml:"audit_critical_days"`
}

// DirectoryConfig is the static recipient directory.
type DirectoryConfig struct {
	// Roles maps a role name to its members
	Roles map[string][]string `yaml:"roles"`

	// Dynamic maps a lookup name (e.g. "emergency_contacts") to
	// per-subject recipients
	Dynamic map[string]map[string][]string `yaml:"dynamic"`
}

// Load reads configuration from path. An empty path falls back to
// $HSENOTIFY_CONFIG and then ./hsenotify.yaml; only an explicitly named
// file must exist. Defaults are applied first, then the file, then
// environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("HSENOTIFY_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Missing default config file is not an error
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// resolvePaths makes relative file paths relative to the config file.
func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{&c.Database, &c.LockFile, &c.RulesFile} {
		if *p != "" && *p != ":memory:" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// duration parses a duration already checked by validateConfig.
func duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// SchedulerOptions converts the scheduler section.
func (c *Config) SchedulerOptions() deadline.Options {
	return deadline.Options{
		Interval:   duration(c.Scheduler.TickInterval),
		StaleAfter: duration(c.Scheduler.StaleAfter),
	}
}

// DispatchOptions converts the dispatch section.
func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		Workers:    c.Dispatch.Workers,
		BufferSize: c.Dispatch.BufferSize,
		Retry: dispatch.RetryConfig{
			MaxAttempts:     c.Dispatch.MaxAttempts,
			InitialBackoff:  duration(c.Dispatch.InitialBackoff),
			MaxBackoff:      duration(c.Dispatch.MaxBackoff),
			BackoffMultiply: c.Dispatch.BackoffMultiplier,
		},
		SendTimeout:   duration(c.Dispatch.SendTimeout),
		RatePerSecond: c.Dispatch.RatePerSecond,
		Burst:         c.Dispatch.Burst,
	}
}

// DeliveryConfig converts the channels section.
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		Backends:     c.Channels.Backends,
		WebhookURL:   c.Channels.WebhookURL,
		SlackWebhook: c.Channels.SlackWebhook,
		Timeout:      duration(c.Channels.Timeout),
	}
}

// NormalizeThresholds converts the thresholds section.
func (c *Config) NormalizeThresholds() normalize.Thresholds {
	return normalize.Thresholds{
		VaccinationCriticalDays: c.Thresholds.VaccinationCriticalDays,
		PPEWarningDays:          c.Thresholds.PPEWarningDays,
		PPENoticeDays:           c.Thresholds.PPENoticeDays,
		AuditCriticalDays:       c.Thresholds.AuditCriticalDays,
	}
}
