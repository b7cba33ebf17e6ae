package api

import (
	"slices"
	"time"

	"github.com/RevCBH/hsenotify/internal/deadline"
	"github.com/RevCBH/hsenotify/internal/dispatch"
	"github.com/RevCBH/hsenotify/internal/escalation"
	"github.com/RevCBH/hsenotify/internal/orchestrator"
	"github.com/RevCBH/hsenotify/internal/store"
)

// FormatTime renders t in API form. The zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}

// ParseTime parses a timestamp produced by this package.
func ParseTime(v string) (time.Time, error) {
	return time.Parse(dateTimeFormat, v)
}

// FromInstance converts an escalation instance to its API representation.
func FromInstance(inst *escalation.Instance) Instance {
	if inst == nil {
		return Instance{}
	}
	return Instance{
		ID:               inst.ID,
		State:            string(inst.State),
		Module:           string(inst.Intent.Module),
		Kind:             string(inst.Intent.Kind),
		SubjectID:        inst.Intent.SubjectID,
		Severity:         string(inst.Intent.Severity),
		RuleID:           inst.Rule.ID,
		RuleSet:          inst.RuleSet,
		CurrentStep:      inst.CurrentStep,
		LastStep:         inst.Rule.LastStep(),
		Recipients:       slices.Clone(inst.Recipients),
		Priority:         string(inst.Priority),
		Fallback:         inst.Fallback,
		Template:         inst.Rule.Template,
		Payload:          inst.Intent.Payload(),
		CreatedAt:        FormatTime(inst.CreatedAt),
		LastTransitionAt: FormatTime(inst.LastTransitionAt),
		AckDueAt:         formatTimePtr(inst.AckDueAt),
		ResolvedBy:       inst.ResolvedBy,
		ResolvedAt:       formatTimePtr(inst.ResolvedAt),
	}
}

// FromInstances converts a slice of instances.
func FromInstances(list []*escalation.Instance) []Instance {
	out := make([]Instance, len(list))
	for i, inst := range list {
		out[i] = FromInstance(inst)
	}
	return out
}

// FromDetail converts an instance with its transitions and attempts.
func FromDetail(inst *escalation.Instance, ts []escalation.Transition, attempts []dispatch.Attempt) InstanceDetail {
	d := InstanceDetail{
		Instance:    FromInstance(inst),
		Transitions: make([]Transition, len(ts)),
		Attempts:    make([]Attempt, len(attempts)),
	}
	for i, t := range ts {
		d.Transitions[i] = Transition{
			From:   string(t.From),
			To:     string(t.To),
			Step:   t.Step,
			Reason: t.Reason,
			Actor:  t.Actor,
			At:     FormatTime(t.At),
		}
	}
	for i, a := range attempts {
		d.Attempts[i] = Attempt{
			ID:            a.ID,
			Step:          a.Step,
			AttemptNumber: a.AttemptNumber,
			Channel:       a.Channel,
			SentAt:        FormatTime(a.SentAt),
			Result:        string(a.Result),
			Error:         a.Error,
		}
	}
	return d
}

// FromDeadline converts a deadline. Offsets are reported in whole days.
func FromDeadline(d *deadline.Deadline) Deadline {
	dto := Deadline{
		ID:          d.ID,
		Module:      string(d.Module),
		SubjectID:   d.SubjectID,
		Kind:        string(d.Kind),
		DueAt:       FormatTime(d.DueAt),
		WarningDays: make([]int, 0, len(d.WarningOffsets)),
		FiredDays:   []int{},
		Attributes:  d.Attributes,
	}
	for _, o := range d.WarningOffsets {
		dto.WarningDays = append(dto.WarningDays, int(o/deadline.Day))
	}
	for _, o := range d.Offsets() {
		if d.Fired[o] {
			dto.FiredDays = append(dto.FiredDays, int(o/deadline.Day))
		}
	}
	if next, ok := d.NextTrigger(); ok {
		dto.NextTrigger = FormatTime(next)
	}
	return dto
}

// FromDeadlines converts deadlines, soonest due first.
func FromDeadlines(list []*deadline.Deadline) []Deadline {
	sorted := slices.Clone(list)
	slices.SortFunc(sorted, func(a, b *deadline.Deadline) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	out := make([]Deadline, len(sorted))
	for i, d := range sorted {
		out[i] = FromDeadline(d)
	}
	return out
}

// FromIntentRecords converts intent log entries.
func FromIntentRecords(list []store.IntentRecord) []IntentRecord {
	out := make([]IntentRecord, len(list))
	for i, rec := range list {
		out[i] = IntentRecord{
			ID:         rec.ID,
			Module:     string(rec.Intent.Module),
			Kind:       string(rec.Intent.Kind),
			SubjectID:  rec.Intent.SubjectID,
			Severity:   string(rec.Intent.Severity),
			OccurredAt: FormatTime(rec.Intent.OccurredAt),
			Outcome:    string(rec.Outcome),
			InstanceID: rec.InstanceID,
			RuleID:     rec.RuleID,
			Detail:     rec.Detail,
			RecordedAt: FormatTime(rec.RecordedAt),
		}
	}
	return out
}

// FromRuleSet converts a recorded rule set.
func FromRuleSet(rec store.RuleSetRecord) RuleSet {
	return RuleSet{
		Version:   rec.Version,
		Checksum:  rec.Checksum,
		RuleCount: rec.RuleCount,
		LoadedAt:  FormatTime(rec.LoadedAt),
	}
}

// FromResult converts the outcome of one ingested event. A non-nil err is
// reported in the Error field.
func FromResult(res orchestrator.Result, err error) EventResult {
	dto := EventResult{
		Type:       string(res.Type),
		Action:     string(res.Action),
		Outcome:    string(res.Outcome),
		InstanceID: res.InstanceID,
		DeadlineID: res.DeadlineID,
		Resolved:   res.Resolved,
		Detail:     res.Detail,
	}
	if err != nil {
		dto.Action = ""
		dto.Error = err.Error()
	}
	return dto
}
