package config

import "os"

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "HSENOTIFY_DB",
		apply: func(c *Config, v string) {
			c.Database = v
		},
	},
	{
		envVar: "HSENOTIFY_LISTEN",
		apply: func(c *Config, v string) {
			c.Listen = v
		},
	},
	{
		envVar: "HSENOTIFY_LOCK_FILE",
		apply: func(c *Config, v string) {
			c.LockFile = v
		},
	},
	{
		envVar: "HSENOTIFY_RULES",
		apply: func(c *Config, v string) {
			c.RulesFile = v
		},
	},
	{
		envVar: "HSENOTIFY_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.LogLevel = v
		},
	},
	{
		envVar: "HSENOTIFY_LOG_FORMAT",
		apply: func(c *Config, v string) {
			c.LogFormat = v
		},
	},
	{
		envVar: "HSENOTIFY_WEBHOOK_URL",
		apply: func(c *Config, v string) {
			c.Channels.WebhookURL = v
		},
	},
	{
		envVar: "HSENOTIFY_SLACK_WEBHOOK",
		apply: func(c *Config, v string) {
			c.Channels.SlackWebhook = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
