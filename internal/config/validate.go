package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error
	add := func(field string, value any, msg string) {
		errs = append(errs, &ValidationError{Field: field, Value: value, Message: msg})
	}

	if cfg.Database == "" {
		add("database", cfg.Database, "must not be empty")
	}
	if cfg.Listen == "" {
		add("listen", cfg.Listen, "must not be empty")
	}
	if cfg.RulesFile == "" {
		add("rules_file", cfg.RulesFile, "must not be empty")
	}

	// LogLevel must be one of: debug, info, warn, error (case-sensitive)
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		add("log_level", cfg.LogLevel, "must be one of: debug, info, warn, error")
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		add("log_format", cfg.LogFormat, "must be one of: console, json")
	}

	positiveDuration := func(field, v string) {
		d, err := time.ParseDuration(v)
		if err != nil {
			add(field, v, fmt.Sprintf("invalid duration: %v", err))
			return
		}
		if d <= 0 {
			add(field, v, "must be positive")
		}
	}
	positiveDuration("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	positiveDuration("scheduler.stale_after", cfg.Scheduler.StaleAfter)
	positiveDuration("dispatch.initial_backoff", cfg.Dispatch.InitialBackoff)
	positiveDuration("dispatch.max_backoff", cfg.Dispatch.MaxBackoff)
	positiveDuration("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	positiveDuration("channels.timeout", cfg.Channels.Timeout)

	if cfg.Dispatch.Workers < 1 {
		add("dispatch.workers", cfg.Dispatch.Workers, "must be at least 1")
	}
	if cfg.Dispatch.BufferSize < 1 {
		add("dispatch.buffer_size", cfg.Dispatch.BufferSize, "must be at least 1")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		add("dispatch.max_attempts", cfg.Dispatch.MaxAttempts, "must be at least 1")
	}
	if cfg.Dispatch.BackoffMultiplier < 1 {
		add("dispatch.backoff_multiplier", cfg.Dispatch.BackoffMultiplier, "must be at least 1")
	}
	if cfg.Dispatch.RatePerSecond < 0 {
		add("dispatch.rate_per_second", cfg.Dispatch.RatePerSecond, "must be non-negative (0 = unlimited)")
	}
	if cfg.Dispatch.RatePerSecond > 0 && cfg.Dispatch.Burst < 1 {
		add("dispatch.burst", cfg.Dispatch.Burst, "must be at least 1 when rate limiting")
	}

	for i, b := range cfg.Channels.Backends {
		switch b {
		case "terminal":
		case "webhook":
			if cfg.Channels.WebhookURL == "" {
				add("channels.webhook_url", cfg.Channels.WebhookURL, "required by the webhook backend")
			}
		case "slack":
			if cfg.Channels.SlackWebhook == "" {
				add("channels.slack_webhook", cfg.Channels.SlackWebhook, "required by the slack backend")
			}
		default:
			add(fmt.Sprintf("channels.backends[%d]", i), b, "must be one of: terminal, webhook, slack")
		}
	}

	t := cfg.Thresholds
	if t.VaccinationCriticalDays < 1 {
		add("thresholds.vaccination_critical_days", t.VaccinationCriticalDays, "must be at least 1")
	}
	if t.AuditCriticalDays < 1 {
		add("thresholds.audit_critical_days", t.AuditCriticalDays, "must be at least 1")
	}
	if t.PPEWarningDays < 0 {
		add("thresholds.ppe_warning_days", t.PPEWarningDays, "must be non-negative")
	}
	if t.PPENoticeDays < t.PPEWarningDays {
		add("thresholds.ppe_notice_days", t.PPENoticeDays, "must not be below ppe_warning_days")
	}

	for role, members := range cfg.Directory.Roles {
		if len(members) == 0 {
			add("directory.roles."+role, members, "must list at least one member")
		}
	}

	return errors.Join(errs...)
}
