package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/RevCBH/hsenotify/internal/dispatch"
)

// Slack posts messages to a Slack incoming webhook
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack creates a Slack channel with a default HTTP client
func NewSlack(webhookURL string) *Slack {
	return NewSlackWithClient(webhookURL, &http.Client{Timeout: DefaultTimeout})
}

// NewSlackWithClient creates a Slack channel with a custom HTTP client
func NewSlackWithClient(webhookURL string, client *http.Client) *Slack {
	return &Slack{webhookURL: webhookURL, client: client}
}

var priorityEmoji = map[string]string{
	"low":    ":information_source:",
	"normal": ":information_source:",
	"high":   ":warning:",
	"urgent": ":rotating_light:",
}

// Send posts the message as a section plus a context block of payload fields.
func (s *Slack) Send(ctx context.Context, msg dispatch.Message) dispatch.DeliveryResult {
	keys := make([]string, 0, len(msg.Payload))
	for k := range msg.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var contextFields []map[string]any
	for _, k := range keys {
		contextFields = append(contextFields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:* %s", k, msg.Payload[k]),
		})
	}

	title := fmt.Sprintf("%s *[%s]* %s", priorityEmoji[msg.Priority], msg.Priority, msg.Template)
	blocks := []map[string]any{
		{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s* (step %d)\nFor: %s", msg.Template, msg.Step, strings.Join(msg.Recipients, ", ")),
			},
		},
	}
	// Slack allows at most ten elements per context block.
	for len(contextFields) > 0 {
		n := min(len(contextFields), 10)
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": contextFields[:n],
		})
		contextFields = contextFields[n:]
	}

	payload := map[string]any{
		"text":   title,
		"blocks": blocks,
	}
	return postJSON(ctx, s.client, s.webhookURL, payload, msg.IdempotencyKey)
}

// Name returns "slack"
func (s *Slack) Name() string {
	return "slack"
}
