package dispatch

import (
	"time"
)

// RetryConfig controls retry behavior for channel sends
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per escalation step
	MaxAttempts int

	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries
	MaxBackoff time.Duration

	// BackoffMultiply is the factor to multiply backoff by after each attempt
	BackoffMultiply float64
}

// DefaultRetryConfig provides sensible defaults for delivery gateways
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialBackoff:  2 * time.Second,
	MaxBackoff:      2 * time.Minute,
	BackoffMultiply: 2.0,
}

// Backoff returns the wait before retrying after the given attempt number
// (1-based). It grows exponentially from InitialBackoff and is capped at
// MaxBackoff.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiply)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if backoff > c.MaxBackoff {
		return c.MaxBackoff
	}
	return backoff
}
