package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RevCBH/hsenotify/internal/api"
	"github.com/RevCBH/hsenotify/internal/events"
)

// DefaultTimeout bounds a single API call.
const DefaultTimeout = 30 * time.Second

// HTTPDoer is the subset of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL string
	http    HTTPDoer
}

// New creates a client for the daemon listening on addr. A bare host:port
// is treated as http.
func New(addr string) *Client {
	return NewWithDoer(addr, &http.Client{Timeout: DefaultTimeout})
}

// NewWithDoer creates a client that sends requests through doer.
func NewWithDoer(addr string, doer HTTPDoer) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: doer}
}

// Close releases idle connections. It is safe to call Close multiple times.
func (c *Client) Close() error {
	if hc, ok := c.http.(*http.Client); ok {
		hc.CloseIdleConnections()
	}
	return nil
}

// Ingest submits events. Per-event failures are reported in the response;
// the error is non-nil only when the batch itself was rejected.
func (c *Client) Ingest(ctx context.Context, batch ...events.Event) (*api.IngestResponse, error) {
	if len(batch) == 0 {
		return &api.IngestResponse{}, nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	resp, data, err := c.roundTrip(ctx, http.MethodPost, "/v1/events", body)
	if err != nil {
		return nil, err
	}
	var out api.IngestResponse
	if jsonErr := json.Unmarshal(data, &out); jsonErr == nil && len(out.Results) > 0 {
		return &out, nil
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, apiError(resp.StatusCode, data)
	}
	return nil, fmt.Errorf("decode ingest response: unexpected body %q", truncate(data))
}

// Clear resolves every open instance for the subject.
func (c *Client) Clear(ctx context.Context, module, subjectID, by string) ([]string, error) {
	var out api.ClearResponse
	req := api.ClearRequest{Module: module, SubjectID: subjectID, By: by}
	if err := c.do(ctx, http.MethodPost, "/v1/conditions/clear", req, &out); err != nil {
		return nil, err
	}
	return out.Resolved, nil
}

// Acknowledge takes ownership of the instance's current step.
func (c *Client) Acknowledge(ctx context.Context, instanceID, by string) (*api.Instance, error) {
	var out api.Instance
	path := "/v1/instances/" + url.PathEscape(instanceID) + "/ack"
	if err := c.do(ctx, http.MethodPost, path, api.AckRequest{By: by}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Instance returns one instance with its transitions and attempts.
func (c *Client) Instance(ctx context.Context, instanceID string) (*api.InstanceDetail, error) {
	var out api.InstanceDetail
	if err := c.do(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(instanceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Instances lists the most recent instances. limit <= 0 uses the daemon default.
func (c *Client) Instances(ctx context.Context, limit int) ([]api.Instance, error) {
	var out api.InstanceListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/instances"+query("", limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// Deadlines lists live deadlines, soonest first.
func (c *Client) Deadlines(ctx context.Context) ([]api.Deadline, error) {
	var out api.DeadlineListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/deadlines", nil, &out); err != nil {
		return nil, err
	}
	return out.Deadlines, nil
}

// Intents lists intent log entries, optionally filtered by outcome.
func (c *Client) Intents(ctx context.Context, outcome string, limit int) ([]api.IntentRecord, error) {
	var out api.IntentListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/intents"+query(outcome, limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Intents, nil
}

// RuleSets lists every rule file the daemon has loaded.
func (c *Client) RuleSets(ctx context.Context) ([]api.RuleSet, error) {
	var out api.RuleSetListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/rules", nil, &out); err != nil {
		return nil, err
	}
	return out.RuleSets, nil
}

// Health returns the daemon's health. A degraded daemon answers 503 with a
// full health body, which is returned without error.
func (c *Client) Health(ctx context.Context) (*api.Health, error) {
	resp, data, err := c.roundTrip(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, apiError(resp.StatusCode, data)
	}
	var out api.Health
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	resp, data, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return apiError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return resp, data, nil
}

func apiError(status int, data []byte) error {
	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return &APIError{StatusCode: status, Message: body.Error}
	}
	return &APIError{StatusCode: status, Message: truncate(data)}
}

func query(outcome string, limit int) string {
	v := url.Values{}
	if outcome != "" {
		v.Set("outcome", outcome)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func truncate(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
