// Package dispatch hands escalation messages to the delivery channel off the
// request path, retrying transient failures and never sending the same
// escalation step twice.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by Enqueue when the buffer has no room.
var ErrQueueFull = errors.New("dispatch queue full")

// Result classifies a delivery attempt
type Result string

const (
	ResultSuccess          Result = "success"
	ResultTransientFailure Result = "transient_failure"
	ResultPermanentFailure Result = "permanent_failure"
)

// DeliveryResult is what a channel reports for one send.
type DeliveryResult struct {
	Result Result
	Err    error
}

// Success is a convenience constructor for channels.
func Success() DeliveryResult {
	return DeliveryResult{Result: ResultSuccess}
}

// Transient reports a failure worth retrying.
func Transient(err error) DeliveryResult {
	return DeliveryResult{Result: ResultTransientFailure, Err: err}
}

// Permanent reports a failure that retrying cannot fix.
func Permanent(err error) DeliveryResult {
	return DeliveryResult{Result: ResultPermanentFailure, Err: err}
}

// Message is the transport-neutral content handed to a channel: who, which
// template, and the data to fill it with.
type Message struct {
	InstanceID string            `json:"instance_id"`
	Step       int               `json:"step"`
	Recipients []string          `json:"recipients"`
	Template   string            `json:"template"`
	Priority   string            `json:"priority"`
	Payload    map[string]string `json:"payload,omitempty"`

	// IdempotencyKey is unique per attempt; channels may forward it so the
	// gateway can discard replays.
	IdempotencyKey string `json:"idempotency_key"`
}

// Channel is the outbound delivery collaborator.
type Channel interface {
	// Send delivers one message. Implementations should respect context cancellation.
	Send(ctx context.Context, msg Message) DeliveryResult

	// Name returns the channel type for logging and attempt records
	Name() string
}

// Job is one escalation step awaiting delivery. It references its instance
// by id only.
type Job struct {
	InstanceID string
	Step       int
	Message    Message
}

// Attempt is the durable record of one delivery attempt.
type Attempt struct {
	ID            string    `json:"id"`
	InstanceID    string    `json:"instance_id"`
	Step          int       `json:"step"`
	AttemptNumber int       `json:"attempt_number"`
	Channel       string    `json:"channel"`
	SentAt        time.Time `json:"sent_at"`
	Result        Result    `json:"result"`
	Error         string    `json:"error,omitempty"`
}

// History is the attempt log used for idempotency and retry accounting.
type History interface {
	Attempts(ctx context.Context, instanceID string, step int) ([]Attempt, error)
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Reporter receives the final outcome of a job.
type Reporter interface {
	// Delivered is called once the step reached the channel successfully
	Delivered(ctx context.Context, instanceID string, step int)

	// Undeliverable is called on permanent failure or attempt exhaustion
	Undeliverable(ctx context.Context, instanceID string, step int, reason string)

	// Active reports whether the step still awaits delivery. It is checked
	// before every send; a job whose step moved on is dropped.
	Active(ctx context.Context, instanceID string, step int) bool
}
