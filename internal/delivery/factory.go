package delivery

import (
	"fmt"
	"net/http"
	"time"

	"github.com/RevCBH/hsenotify/internal/dispatch"
)

// Config holds channel configuration
type Config struct {
	Backends     []string
	SlackWebhook string
	WebhookURL   string
	Timeout      time.Duration
}

// FromConfig creates the delivery channel from configuration. No backends
// means the terminal.
func FromConfig(cfg Config) (dispatch.Channel, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	var channels []dispatch.Channel
	for _, backend := range cfg.Backends {
		switch backend {
		case "terminal":
			channels = append(channels, NewTerminal())
		case "slack":
			if cfg.SlackWebhook == "" {
				return nil, fmt.Errorf("slack backend requires webhook URL")
			}
			channels = append(channels, NewSlackWithClient(cfg.SlackWebhook, client))
		case "webhook":
			if cfg.WebhookURL == "" {
				return nil, fmt.Errorf("webhook backend requires URL")
			}
			channels = append(channels, NewWebhookWithClient(cfg.WebhookURL, client))
		default:
			return nil, fmt.Errorf("unknown delivery backend: %s", backend)
		}
	}

	switch len(channels) {
	case 0:
		return NewTerminal(), nil
	case 1:
		return channels[0], nil
	}
	return NewMulti(channels...), nil
}
