// Package delivery implements the outbound channels messages are handed to:
// the operator's terminal, a generic JSON webhook and Slack.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RevCBH/hsenotify/internal/dispatch"
)

// DefaultTimeout bounds a single HTTP delivery.
const DefaultTimeout = 10 * time.Second

// IdempotencyHeader carries the attempt id so receivers can discard replays.
const IdempotencyHeader = "Idempotency-Key"

// postJSON sends body and classifies the outcome: network errors, timeouts,
// 429 and 5xx are transient, any other 4xx is permanent.
func postJSON(ctx context.Context, client *http.Client, url string, body any, idempotencyKey string) dispatch.DeliveryResult {
	data, err := json.Marshal(body)
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return dispatch.Transient(fmt.Errorf("request: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classifyStatus(resp.StatusCode)
}

func classifyStatus(code int) dispatch.DeliveryResult {
	switch {
	case code < 300:
		return dispatch.Success()
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return dispatch.Transient(fmt.Errorf("endpoint returned %d", code))
	default:
		return dispatch.Permanent(fmt.Errorf("endpoint returned %d", code))
	}
}
