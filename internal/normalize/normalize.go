// Package normalize maps module-specific domain events onto notification
// intents. The mapping is a closed dispatch table: event types it does not
// know are rejected, never escalated.
package normalize

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/RevCBH/hsenotify/internal/events"
	"github.com/RevCBH/hsenotify/internal/intent"
)

var (
	// ErrUnknownEventType is returned for event types outside the closed set.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidEvent is returned when an event lacks the fields needed to
	// classify it.
	ErrInvalidEvent = errors.New("invalid event")
)

// Thresholds holds the severity classification boundaries.
type Thresholds struct {
	// VaccinationCriticalDays marks an overdue vaccination critical
	VaccinationCriticalDays int

	// PPEWarningDays is the days-until-expiry at or below which a warning is raised
	PPEWarningDays int

	// PPENoticeDays is the days-until-expiry at or below which an info notice is raised
	PPENoticeDays int

	// AuditCriticalDays marks an overdue audit critical
	AuditCriticalDays int
}

// DefaultThresholds returns the classification boundaries used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VaccinationCriticalDays: 30,
		PPEWarningDays:          7,
		PPENoticeDays:           30,
		AuditCriticalDays:       14,
	}
}

type mapper func(n *Normalizer, e events.Event) (*intent.Intent, error)

// Normalizer converts domain events into intents. It is safe for concurrent use.
type Normalizer struct {
	thresholds Thresholds
	table      map[events.Type]mapper
}

// New creates a normalizer with the given thresholds.
func New(t Thresholds) *Normalizer {
	return &Normalizer{
		thresholds: t,
		table: map[events.Type]mapper{
			events.VaccinationOverdue:      (*Normalizer).vaccinationOverdue,
			events.VaccinationRecorded:     none,
			events.HealthIncidentReported:  (*Normalizer).healthIncident,
			events.HealthIncidentClosed:    none,
			events.HealthRecordUpdated:     none,
			events.PPECertificationChecked: (*Normalizer).ppeCertification,
			events.PPECertificationRenewed: none,
			events.PPEItemUpdated:          none,
			events.AuditStatusChanged:      (*Normalizer).auditStatus,
			events.AuditCompleted:          none,
			events.HazardReported:          (*Normalizer).hazardReported,
			events.HazardClosed:            none,
			events.HazardUpdated:           none,
			events.DeadlineRegistered:      none,
			events.DeadlineUpdated:         none,
			events.DeadlineCancelled:       none,
		},
	}
}

// Normalize maps e to zero or one intent. Routine events yield (nil, nil).
func (n *Normalizer) Normalize(e events.Event) (*intent.Intent, error) {
	m, ok := n.table[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if strings.TrimSpace(e.SubjectID) == "" {
		return nil, fmt.Errorf("%w: %s: missing subject id", ErrInvalidEvent, e.Type)
	}
	if e.OccurredAt.IsZero() {
		return nil, fmt.Errorf("%w: %s: missing occurred_at", ErrInvalidEvent, e.Type)
	}
	return m(n, e)
}

func none(*Normalizer, events.Event) (*intent.Intent, error) {
	return nil, nil
}

func (n *Normalizer) vaccinationOverdue(e events.Event) (*intent.Intent, error) {
	if e.DaysOverdue == nil {
		return nil, fmt.Errorf("%w: %s: missing days_overdue", ErrInvalidEvent, e.Type)
	}
	sev := intent.SeverityWarning
	if *e.DaysOverdue >= n.thresholds.VaccinationCriticalDays {
		sev = intent.SeverityCritical
	}
	return build(e, intent.KindVaccinationOverdue, sev, "days_overdue", strconv.Itoa(*e.DaysOverdue)), nil
}

func (n *Normalizer) healthIncident(e events.Event) (*intent.Intent, error) {
	var sev intent.Severity
	switch strings.ToLower(e.IncidentSeverity) {
	case "critical", "severe":
		sev = intent.SeverityCritical
	case "moderate":
		sev = intent.SeverityWarning
	case "minor":
		sev = intent.SeverityInfo
	default:
		return nil, fmt.Errorf("%w: %s: incident severity %q", ErrInvalidEvent, e.Type, e.IncidentSeverity)
	}
	return build(e, intent.KindHealthIncident, sev, "incident_severity", strings.ToLower(e.IncidentSeverity)), nil
}

func (n *Normalizer) ppeCertification(e events.Event) (*intent.Intent, error) {
	if e.DaysUntilExpiry == nil {
		return nil, fmt.Errorf("%w: %s: missing days_until_expiry", ErrInvalidEvent, e.Type)
	}
	days := *e.DaysUntilExpiry
	kind := intent.KindPPECertificationExpiry

	var sev intent.Severity
	switch {
	case days < 0:
		sev = intent.SeverityCritical
		kind = intent.KindPPECertificationExpired
	case days <= n.thresholds.PPEWarningDays:
		sev = intent.SeverityWarning
	case days <= n.thresholds.PPENoticeDays:
		sev = intent.SeverityInfo
	default:
		return nil, nil
	}
	return build(e, kind, sev, "days_until_expiry", strconv.Itoa(days)), nil
}

func (n *Normalizer) auditStatus(e events.Event) (*intent.Intent, error) {
	if !e.Overdue {
		return nil, nil
	}
	days := 0
	if e.DaysOverdue != nil {
		days = *e.DaysOverdue
	}
	sev := intent.SeverityWarning
	if days >= n.thresholds.AuditCriticalDays {
		sev = intent.SeverityCritical
	}
	return build(e, intent.KindAuditOverdue, sev, "days_overdue", strconv.Itoa(days)), nil
}

func (n *Normalizer) hazardReported(e events.Event) (*intent.Intent, error) {
	var sev intent.Severity
	switch strings.ToLower(e.RiskLevel) {
	case "extreme", "high":
		sev = intent.SeverityCritical
	case "medium":
		sev = intent.SeverityWarning
	case "low":
		sev = intent.SeverityInfo
	default:
		return nil, fmt.Errorf("%w: %s: risk level %q", ErrInvalidEvent, e.Type, e.RiskLevel)
	}
	return build(e, intent.KindHazardReported, sev, "risk_level", strings.ToLower(e.RiskLevel)), nil
}

// build assembles the intent payload from the event attributes plus the
// classifying field; the classifying field wins on key collision.
func build(e events.Event, kind intent.Kind, sev intent.Severity, key, value string) *intent.Intent {
	payload := maps.Clone(e.Attributes)
	if payload == nil {
		payload = make(map[string]string, 1)
	}
	payload[key] = value

	in := intent.New(e.Type.Module(), kind, e.SubjectID, e.OccurredAt, sev, payload)
	return &in
}
