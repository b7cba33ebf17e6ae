package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/RevCBH/hsenotify/internal/intent"
)

// Event is a domain event reported by one of the producer modules.
// Type is the discriminant; the optional fields that matter depend on it.
type Event struct {
	// Type identifies what happened
	Type Type `json:"type"`

	// OccurredAt is when the event happened in the producer module (UTC)
	OccurredAt time.Time `json:"occurred_at"`

	// SubjectID is the module-specific identifier of the entity concerned
	SubjectID string `json:"subject_id"`

	// IncidentSeverity classifies health incidents (minor|moderate|severe|critical)
	IncidentSeverity string `json:"incident_severity,omitempty"`

	// RiskLevel classifies hazards (low|medium|high|extreme)
	RiskLevel string `json:"risk_level,omitempty"`

	// DaysUntilExpiry is reported by PPE certification checks (negative once expired)
	DaysUntilExpiry *int `json:"days_until_expiry,omitempty"`

	// DaysOverdue is reported by vaccination and audit checks
	DaysOverdue *int `json:"days_overdue,omitempty"`

	// Overdue flags an audit that missed its scheduled date
	Overdue bool `json:"overdue,omitempty"`

	// Deadline carries the obligation for deadline lifecycle events
	Deadline *DeadlineSpec `json:"deadline,omitempty"`

	// Attributes is opaque data passed through to templates
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DeadlineSpec describes a future obligation reported by a producer module.
type DeadlineSpec struct {
	Module            intent.Module `json:"module"`
	ID                string        `json:"id"`
	Kind              string        `json:"kind"`
	DueAt             time.Time     `json:"due_at"`
	WarningOffsetDays []int         `json:"warning_offsets_days,omitempty"`
}

// Type is a string constant identifying the event category
type Type string

// Health module events
const (
	VaccinationOverdue     Type = "health.vaccination.overdue"
	VaccinationRecorded    Type = "health.vaccination.recorded"
	HealthIncidentReported Type = "health.incident.reported"
	HealthIncidentClosed   Type = "health.incident.closed"
	HealthRecordUpdated    Type = "health.record.updated"
)

// PPE module events
const (
	PPECertificationChecked Type = "ppe.certification.checked"
	PPECertificationRenewed Type = "ppe.certification.renewed"
	PPEItemUpdated          Type = "ppe.item.updated"
)

// Audit module events
const (
	AuditStatusChanged Type = "audit.status.changed"
	AuditCompleted     Type = "audit.completed"
)

// Hazard module events
const (
	HazardReported Type = "hazard.reported"
	HazardClosed   Type = "hazard.closed"
	HazardUpdated  Type = "hazard.updated"
)

// Deadline lifecycle events, reported by whichever module owns the obligation
const (
	DeadlineRegistered Type = "deadline.registered"
	DeadlineUpdated    Type = "deadline.updated"
	DeadlineCancelled  Type = "deadline.cancelled"
)

// typeModules is the closed set of known event types and their module.
var typeModules = map[Type]intent.Module{
	VaccinationOverdue:      intent.ModuleHealth,
	VaccinationRecorded:     intent.ModuleHealth,
	HealthIncidentReported:  intent.ModuleHealth,
	HealthIncidentClosed:    intent.ModuleHealth,
	HealthRecordUpdated:     intent.ModuleHealth,
	PPECertificationChecked: intent.ModulePPE,
	PPECertificationRenewed: intent.ModulePPE,
	PPEItemUpdated:          intent.ModulePPE,
	AuditStatusChanged:      intent.ModuleAudit,
	AuditCompleted:          intent.ModuleAudit,
	HazardReported:          intent.ModuleHazard,
	HazardClosed:            intent.ModuleHazard,
	HazardUpdated:           intent.ModuleHazard,
}

// clearing marks events signalling that the subject's condition cleared.
var clearing = map[Type]bool{
	VaccinationRecorded:     true,
	HealthIncidentClosed:    true,
	PPECertificationRenewed: true,
	AuditCompleted:          true,
	HazardClosed:            true,
}

// Known reports whether t belongs to the closed set of event types.
func (t Type) Known() bool {
	if t.IsDeadlineLifecycle() {
		return true
	}
	_, ok := typeModules[t]
	return ok
}

// Module returns the producer module for t, or "" for unknown types and
// deadline lifecycle events (those carry the module in their DeadlineSpec).
func (t Type) Module() intent.Module {
	return typeModules[t]
}

// ClearsCondition reports whether t signals the subject's condition cleared.
func (t Type) ClearsCondition() bool {
	return clearing[t]
}

// IsDeadlineLifecycle reports whether t registers, updates or cancels a deadline.
func (t Type) IsDeadlineLifecycle() bool {
	return t == DeadlineRegistered || t == DeadlineUpdated || t == DeadlineCancelled
}

// NewEvent creates an event with the given type and subject
func NewEvent(eventType Type, subjectID string, occurredAt time.Time) Event {
	return Event{
		Type:       eventType,
		SubjectID:  subjectID,
		OccurredAt: occurredAt.UTC(),
	}
}

// WithDaysUntilExpiry returns a copy of the event with days-until-expiry set
func (e Event) WithDaysUntilExpiry(days int) Event {
	e.DaysUntilExpiry = &days
	return e
}

// WithDaysOverdue returns a copy of the event with days-overdue set
func (e Event) WithDaysOverdue(days int) Event {
	e.DaysOverdue = &days
	return e
}

// WithAttributes returns a copy of the event with the attributes set
func (e Event) WithAttributes(attrs map[string]string) Event {
	e.Attributes = attrs
	return e
}

// WithDeadline returns a copy of the event carrying a deadline spec
func (e Event) WithDeadline(spec DeadlineSpec) Event {
	e.Deadline = &spec
	return e
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.SubjectID != "" {
		parts = append(parts, e.SubjectID)
	}
	if e.DaysUntilExpiry != nil {
		parts = append(parts, fmt.Sprintf("expires_in=%dd", *e.DaysUntilExpiry))
	}
	if e.DaysOverdue != nil {
		parts = append(parts, fmt.Sprintf("overdue=%dd", *e.DaysOverdue))
	}

	return strings.Join(parts, " ")
}
