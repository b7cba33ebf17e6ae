package delivery

import (
	"context"
	"net/http"

	"github.com/RevCBH/hsenotify/internal/dispatch"
)

// WebhookPayload is the JSON body posted to webhook endpoints
type WebhookPayload struct {
	InstanceID     string            `json:"instance_id"`
	Step           int               `json:"step"`
	Recipients     []string          `json:"recipients"`
	Template       string            `json:"template"`
	Priority       string            `json:"priority"`
	Payload        map[string]string `json:"payload,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// Webhook posts messages as JSON to an HTTP endpoint, typically a
// notification gateway that fans out to email, SMS or push.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook channel with a default HTTP client
func NewWebhook(url string) *Webhook {
	return NewWebhookWithClient(url, &http.Client{Timeout: DefaultTimeout})
}

// NewWebhookWithClient creates a Webhook channel with a custom HTTP client
func NewWebhookWithClient(url string, client *http.Client) *Webhook {
	return &Webhook{url: url, client: client}
}

// Send posts the message. The idempotency key is sent both in the body and
// as a header.
func (w *Webhook) Send(ctx context.Context, msg dispatch.Message) dispatch.DeliveryResult {
	payload := WebhookPayload{
		InstanceID:     msg.InstanceID,
		Step:           msg.Step,
		Recipients:     msg.Recipients,
		Template:       msg.Template,
		Priority:       msg.Priority,
		Payload:        msg.Payload,
		IdempotencyKey: msg.IdempotencyKey,
	}
	return postJSON(ctx, w.client, w.url, payload, msg.IdempotencyKey)
}

// Name returns "webhook"
func (w *Webhook) Name() string {
	return "webhook"
}
