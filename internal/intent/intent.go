// Package intent defines the canonical notification unit every producer event
// is normalized into before rule evaluation.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Module identifies the producer module an intent originates from.
type Module string

const (
	ModuleAudit  Module = "audit"
	ModuleHazard Module = "hazard"
	ModuleHealth Module = "health"
	ModulePPE    Module = "ppe"
)

// Modules lists every known producer module.
var Modules = []Module{ModuleAudit, ModuleHazard, ModuleHealth, ModulePPE}

// Valid reports whether m is a known module.
func (m Module) Valid() bool {
	for _, known := range Modules {
		if m == known {
			return true
		}
	}
	return false
}

// Kind names what happened to the subject (e.g. "vaccination_overdue").
type Kind string

const (
	KindVaccinationOverdue      Kind = "vaccination_overdue"
	KindHealthIncident          Kind = "health_incident"
	KindPPECertificationExpiry  Kind = "ppe_certification_expiring"
	KindPPECertificationExpired Kind = "ppe_certification_expired"
	KindAuditOverdue            Kind = "audit_overdue"
	KindHazardReported          Kind = "hazard_reported"
	KindDeadlineApproaching     Kind = "deadline_approaching"
	KindDeadlineExpired         Kind = "deadline_expired"
)

// Severity indicates how urgent the intent is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// ParseSeverity converts a case-insensitive name into a Severity.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// Intent is the normalized representation of a business event requiring
// possible notification. The payload is copied on construction and on read,
// so an Intent never changes after New returns.
type Intent struct {
	Module     Module
	Kind       Kind
	SubjectID  string
	OccurredAt time.Time
	Severity   Severity

	// Discriminator separates obligations that share module, kind and
	// subject on the same day (deadline warnings use "<deadline>/<offset>").
	Discriminator string

	payload map[string]string
}

// New builds an intent. OccurredAt is normalized to UTC.
func New(module Module, kind Kind, subjectID string, occurredAt time.Time, severity Severity, payload map[string]string) Intent {
	return Intent{
		Module:     module,
		Kind:       kind,
		SubjectID:  subjectID,
		OccurredAt: occurredAt.UTC(),
		Severity:   severity,
		payload:    maps.Clone(payload),
	}
}

// WithDiscriminator returns a copy of the intent with the discriminator set.
func (i Intent) WithDiscriminator(d string) Intent {
	i.Discriminator = d
	i.payload = maps.Clone(i.payload)
	return i
}

// Payload returns a copy of the templating data.
func (i Intent) Payload() map[string]string {
	out := maps.Clone(i.payload)
	if out == nil {
		out = map[string]string{}
	}
	return out
}

// Value returns a single payload entry.
func (i Intent) Value(key string) (string, bool) {
	v, ok := i.payload[key]
	return v, ok
}

// Bucket is the UTC day the intent falls into for deduplication.
func (i Intent) Bucket() string {
	return i.OccurredAt.UTC().Format("2006-01-02")
}

// DedupeKey collapses near-duplicate events for the same obligation into one
// key: module, kind, subject, discriminator and the UTC day bucket.
func (i Intent) DedupeKey() string {
	h := sha256.New()
	for _, part := range []string{string(i.Module), string(i.Kind), i.SubjectID, i.Discriminator, i.Bucket()} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// String returns a short human-readable form for logs.
func (i Intent) String() string {
	return fmt.Sprintf("[%s.%s] %s severity=%s", i.Module, i.Kind, i.SubjectID, i.Severity)
}

type intentJSON struct {
	Module        Module            `json:"module"`
	Kind          Kind              `json:"kind"`
	SubjectID     string            `json:"subject_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Severity      Severity          `json:"severity"`
	Discriminator string            `json:"discriminator,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// MarshalJSON encodes the intent including its payload.
func (i Intent) MarshalJSON() ([]byte, error) {
	return json.Marshal(intentJSON{
		Module:        i.Module,
		Kind:          i.Kind,
		SubjectID:     i.SubjectID,
		OccurredAt:    i.OccurredAt,
		Severity:      i.Severity,
		Discriminator: i.Discriminator,
		Payload:       i.payload,
	})
}

// UnmarshalJSON decodes an intent previously encoded with MarshalJSON.
func (i *Intent) UnmarshalJSON(data []byte) error {
	var raw intentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = New(raw.Module, raw.Kind, raw.SubjectID, raw.OccurredAt, raw.Severity, raw.Payload)
	i.Discriminator = raw.Discriminator
	return nil
}
