// Package api holds the JSON payloads exchanged between the daemon's HTTP
// API and its clients.
package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// EventResult reports what one ingested event led to.
type EventResult struct {
	Type       string `json:"type"`
	Action     string `json:"action,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	DeadlineID string `json:"deadlineId,omitempty"`
	Resolved   int    `json:"resolved,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IngestResponse is returned by POST /v1/events, one result per event in
// request order.
type IngestResponse struct {
	Results []EventResult `json:"results"`
	Failed  int           `json:"failed"`
}

// ClearRequest asks the daemon to resolve every open instance of a subject.
type ClearRequest struct {
	Module    string `json:"module"`
	SubjectID string `json:"subjectId"`
	By        string `json:"by"`
}

// ClearResponse lists the instances a clear resolved.
type ClearResponse struct {
	Resolved []string `json:"resolved"`
}

// AckRequest acknowledges an instance's current step.
type AckRequest struct {
	By string `json:"by"`
}

// Instance describes an escalation instance in a transport-friendly format.
type Instance struct {
	ID               string            `json:"id"`
	State            string            `json:"state"`
	Module           string            `json:"module"`
	Kind             string            `json:"kind"`
	SubjectID        string            `json:"subjectId"`
	Severity         string            `json:"severity"`
	RuleID           string            `json:"ruleId"`
	RuleSet          string            `json:"ruleSet"`
	CurrentStep      int               `json:"currentStep"`
	LastStep         int               `json:"lastStep"`
	Recipients       []string          `json:"recipients"`
	Priority         string            `json:"priority"`
	Fallback         bool              `json:"fallback,omitempty"`
	Template         string            `json:"template"`
	Payload          map[string]string `json:"payload,omitempty"`
	CreatedAt        string            `json:"createdAt"`
	LastTransitionAt string            `json:"lastTransitionAt"`
	AckDueAt         string            `json:"ackDueAt,omitempty"`
	ResolvedBy       string            `json:"resolvedBy,omitempty"`
	ResolvedAt       string            `json:"resolvedAt,omitempty"`
}

// Transition is one entry of an instance's audit trail.
type Transition struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Step   int    `json:"step"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
	At     string `json:"at"`
}

// Attempt is one delivery attempt.
type Attempt struct {
	ID            string `json:"id"`
	Step          int    `json:"step"`
	AttemptNumber int    `json:"attemptNumber"`
	Channel       string `json:"channel"`
	SentAt        string `json:"sentAt"`
	Result        string `json:"result"`
	Error         string `json:"error,omitempty"`
}

// InstanceDetail is an instance with its audit trail.
type InstanceDetail struct {
	Instance    Instance     `json:"instance"`
	Transitions []Transition `json:"transitions"`
	Attempts    []Attempt    `json:"attempts"`
}

// InstanceListResponse wraps a collection of instances.
type InstanceListResponse struct {
	Instances []Instance `json:"instances"`
}

// Deadline describes a live compliance deadline.
type Deadline struct {
	ID          string            `json:"id"`
	Module      string            `json:"module"`
	SubjectID   string            `json:"subjectId"`
	Kind        string            `json:"kind"`
	DueAt       string            `json:"dueAt"`
	WarningDays []int             `json:"warningDays"`
	FiredDays   []int             `json:"firedDays"`
	NextTrigger string            `json:"nextTrigger,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// DeadlineListResponse wraps a collection of deadlines.
type DeadlineListResponse struct {
	Deadlines []Deadline `json:"deadlines"`
}

// IntentRecord is one entry of the intent log.
type IntentRecord struct {
	ID         int64  `json:"id"`
	Module     string `json:"module"`
	Kind       string `json:"kind"`
	SubjectID  string `json:"subjectId"`
	Severity   string `json:"severity"`
	OccurredAt string `json:"occurredAt"`
	Outcome    string `json:"outcome"`
	InstanceID string `json:"instanceId,omitempty"`
	RuleID     string `json:"ruleId,omitempty"`
	Detail     string `json:"detail,omitempty"`
	RecordedAt string `json:"recordedAt"`
}

// IntentListResponse wraps a collection of intent log entries.
type IntentListResponse struct {
	Intents []IntentRecord `json:"intents"`
}

// RuleSet describes a recorded rule file.
type RuleSet struct {
	Version   string `json:"version"`
	Checksum  string `json:"checksum"`
	RuleCount int    `json:"ruleCount"`
	LoadedAt  string `json:"loadedAt"`
}

// RuleSetListResponse wraps recorded rule sets, most recent first.
type RuleSetListResponse struct {
	RuleSets []RuleSet `json:"ruleSets"`
}

// Health aggregates daemon liveness for /healthz.
type Health struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	SchedulerHealthy bool    `json:"schedulerHealthy"`
	LastTick         string  `json:"lastTick,omitempty"`
	QueueDepth       int     `json:"queueDepth"`
	Channel          string  `json:"channel"`
	RuleSet          RuleSet `json:"ruleSet"`
	StartedAt        string  `json:"startedAt,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
