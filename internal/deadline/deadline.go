// Package deadline fires warning and expiry intents for time-bound
// compliance obligations, without any external stimulus.
package deadline

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/RevCBH/hsenotify/internal/intent"
)

// ErrNotFound means no deadline matches the lookup.
var ErrNotFound = errors.New("deadline not found")

// ErrInvalidSpec rejects a registration that cannot be scheduled.
var ErrInvalidSpec = errors.New("invalid deadline")

// Day is the unit warning offsets are configured in.
const Day = 24 * time.Hour

// Kind classifies the obligation behind a deadline.
type Kind string

const (
	KindRegulatoryReport  Kind = "regulatory_report"
	KindVaccinationExpiry Kind = "vaccination_expiry"
	KindPPEExpiry         Kind = "ppe_expiry"
	KindAuditOverdue      Kind = "audit_overdue"
	KindMaintenanceDue    Kind = "maintenance_due"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRegulatoryReport, KindVaccinationExpiry, KindPPEExpiry, KindAuditOverdue, KindMaintenanceDue:
		return true
	}
	return false
}

// Deadline is a future obligation with advance warnings. A deadline is unique
// per (module, subject, kind).
type Deadline struct {
	ID        string
	Module    intent.Module
	SubjectID string
	Kind      Kind
	DueAt     time.Time

	// WarningOffsets are how long before DueAt each warning fires, largest first.
	WarningOffsets []time.Duration

	// Fired holds offsets already emitted; offset 0 is the expiry.
	Fired map[time.Duration]bool

	// Attributes are passed through into every intent payload
	Attributes map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeOffsets sorts offsets largest first and drops duplicates and
// non-positive values.
func NormalizeOffsets(offsets []time.Duration) []time.Duration {
	out := make([]time.Duration, 0, len(offsets))
	for _, o := range offsets {
		if o > 0 && !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b time.Duration) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	return out
}

// Offsets returns every firing offset in firing order: warnings, then expiry.
func (d *Deadline) Offsets() []time.Duration {
	return append(slices.Clone(d.WarningOffsets), 0)
}

// TriggerAt is when the given offset becomes eligible.
func (d *Deadline) TriggerAt(offset time.Duration) time.Time {
	return d.DueAt.Add(-offset)
}

// NextTrigger returns the earliest unfired trigger time.
func (d *Deadline) NextTrigger() (time.Time, bool) {
	for _, o := range d.Offsets() {
		if !d.Fired[o] {
			return d.TriggerAt(o), true
		}
	}
	return time.Time{}, false
}

// DueOffsets returns the unfired offsets eligible at now, in firing order.
// Eligibility is now >= dueAt - offset, so a late tick catches up on every
// missed offset exactly once.
func (d *Deadline) DueOffsets(now time.Time) []time.Duration {
	var due []time.Duration
	for _, o := range d.Offsets() {
		if !d.Fired[o] && !now.Before(d.TriggerAt(o)) {
			due = append(due, o)
		}
	}
	return due
}

// Reschedule moves the deadline to a new due date and warning set. Fired
// offsets whose new trigger is already past stay fired; the rest are
// cleared so they fire again at their new time.
func (d *Deadline) Reschedule(dueAt time.Time, offsets []time.Duration, now time.Time) {
	d.DueAt = dueAt.UTC()
	d.WarningOffsets = NormalizeOffsets(offsets)

	kept := make(map[time.Duration]bool)
	for _, o := range d.Offsets() {
		if d.Fired[o] && !now.Before(d.TriggerAt(o)) {
			kept[o] = true
		}
	}
	d.Fired = kept
	d.UpdatedAt = now
}

// Clone returns a deep copy.
func (d *Deadline) Clone() *Deadline {
	c := *d
	c.WarningOffsets = slices.Clone(d.WarningOffsets)
	c.Fired = maps.Clone(d.Fired)
	if c.Fired == nil {
		c.Fired = map[time.Duration]bool{}
	}
	c.Attributes = maps.Clone(d.Attributes)
	return &c
}

// Intent builds the synthetic intent for one offset. Its occurrence time is
// the nominal trigger and its discriminator names the deadline and offset,
// so a re-emitted warning collapses onto the original obligation.
func (d *Deadline) Intent(offset time.Duration) intent.Intent {
	payload := maps.Clone(d.Attributes)
	if payload == nil {
		payload = make(map[string]string)
	}
	payload["deadline_id"] = d.ID
	payload["deadline_kind"] = string(d.Kind)
	payload["due_at"] = d.DueAt.UTC().Format(time.RFC3339)

	kind := intent.KindDeadlineExpired
	sev := intent.SeverityCritical
	if offset > 0 {
		kind = intent.KindDeadlineApproaching
		sev = intent.SeverityWarning
		if offset >= 7*Day {
			sev = intent.SeverityInfo
		}
		payload["days_remaining"] = strconv.Itoa(int(offset / Day))
	}

	in := intent.New(d.Module, kind, d.SubjectID, d.TriggerAt(offset), sev, payload)
	return in.WithDiscriminator(fmt.Sprintf("%s/%s", d.ID, offsetLabel(offset)))
}

func offsetLabel(offset time.Duration) string {
	if offset%Day == 0 {
		return strconv.Itoa(int(offset/Day)) + "d"
	}
	return offset.String()
}
