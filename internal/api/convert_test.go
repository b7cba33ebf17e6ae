package api

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/hsenotify/internal/deadline"
	"github.com/RevCBH/hsenotify/internal/dispatch"
	"github.com/RevCBH/hsenotify/internal/escalation"
	"github.com/RevCBH/hsenotify/internal/events"
	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/orchestrator"
	"github.com/RevCBH/hsenotify/internal/rules"
	"github.com/RevCBH/hsenotify/internal/store"
)

var base = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func TestFromInstance(t *testing.T) {
	due := base.Add(30 * time.Minute)
	inst := &escalation.Instance{
		ID: "inst-1",
		Intent: intent.New(intent.ModuleHealth, intent.KindHealthIncident, "emp-7",
			base, intent.SeverityCritical, map[string]string{"incident_id": "inc-3"}),
		Rule: rules.Rule{
			ID:       "incident-critical",
			Template: "health_incident",
			Chain:    []rules.Step{{Delay: 15 * time.Minute}},
		},
		RuleSet:          "v3",
		State:            escalation.StateDispatched,
		CurrentStep:      1,
		Recipients:       []string{"head-ops"},
		Priority:         rules.PriorityUrgent,
		CreatedAt:        base,
		LastTransitionAt: base.Add(15 * time.Minute),
		AckDueAt:         &due,
	}

	dto := FromInstance(inst)
	assert.Equal(t, "inst-1", dto.ID)
	assert.Equal(t, "dispatched", dto.State)
	assert.Equal(t, "health", dto.Module)
	assert.Equal(t, "health_incident", dto.Kind)
	assert.Equal(t, "emp-7", dto.SubjectID)
	assert.Equal(t, "critical", dto.Severity)
	assert.Equal(t, "incident-critical", dto.RuleID)
	assert.Equal(t, 1, dto.CurrentStep)
	assert.Equal(t, 1, dto.LastStep)
	assert.Equal(t, "urgent", dto.Priority)
	assert.Equal(t, map[string]string{"incident_id": "inc-3"}, dto.Payload)
	assert.Equal(t, "2026-03-02T09:30:00.000Z", dto.CreatedAt)
	assert.Equal(t, "2026-03-02T10:00:00.000Z", dto.AckDueAt)
	assert.Empty(t, dto.ResolvedAt)

	dto.Recipients[0] = "changed"
	assert.Equal(t, "head-ops", inst.Recipients[0])
}

func TestFromInstance_Nil(t *testing.T) {
	assert.Equal(t, Instance{}, FromInstance(nil))
}

func TestFromDetail(t *testing.T) {
	inst := &escalation.Instance{ID: "inst-1", State: escalation.StateAcknowledged}
	ts := []escalation.Transition{
		{InstanceID: "inst-1", To: escalation.StatePending, At: base},
		{InstanceID: "inst-1", From: escalation.StatePending, To: escalation.StateDispatched, At: base},
		{InstanceID: "inst-1", From: escalation.StateDispatched, To: escalation.StateAcknowledged, Actor: "dr-ahmed", At: base.Add(time.Minute)},
	}
	attempts := []dispatch.Attempt{{
		ID: "att-1", InstanceID: "inst-1", AttemptNumber: 1, Channel: "terminal",
		SentAt: base, Result: dispatch.ResultSuccess,
	}}

	d := FromDetail(inst, ts, attempts)
	require.Len(t, d.Transitions, 3)
	assert.Empty(t, d.Transitions[0].From)
	assert.Equal(t, "acknowledged", d.Transitions[2].To)
	assert.Equal(t, "dr-ahmed", d.Transitions[2].Actor)
	require.Len(t, d.Attempts, 1)
	assert.Equal(t, "success", d.Attempts[0].Result)
	assert.Equal(t, "terminal", d.Attempts[0].Channel)
}

func TestFromDeadline(t *testing.T) {
	d := &deadline.Deadline{
		ID:             "dl-1",
		Module:         intent.ModulePPE,
		SubjectID:      "cert-9",
		Kind:           deadline.KindPPEExpiry,
		DueAt:          base.Add(30 * deadline.Day),
		WarningOffsets: []time.Duration{30 * deadline.Day, 7 * deadline.Day},
		Fired:          map[time.Duration]bool{30 * deadline.Day: true},
	}

	dto := FromDeadline(d)
	assert.Equal(t, []int{30, 7}, dto.WarningDays)
	assert.Equal(t, []int{30}, dto.FiredDays)
	assert.Equal(t, "2026-03-25T09:30:00.000Z", dto.NextTrigger)

	d.Fired[7*deadline.Day] = true
	d.Fired[0] = true
	dto = FromDeadline(d)
	assert.Equal(t, []int{30, 7, 0}, dto.FiredDays)
	assert.Empty(t, dto.NextTrigger)
}

func TestFromDeadlines_SortsByDueDate(t *testing.T) {
	later := &deadline.Deadline{ID: "b", DueAt: base.Add(48 * time.Hour)}
	sooner := &deadline.Deadline{ID: "a", DueAt: base}
	out := FromDeadlines([]*deadline.Deadline{later, sooner})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "b", out[1].ID)
}

func TestFromIntentRecords(t *testing.T) {
	recs := []store.IntentRecord{{
		ID:         4,
		Intent:     intent.New(intent.ModuleAudit, intent.KindAuditOverdue, "audit-2", base, intent.SeverityWarning, nil),
		Outcome:    store.OutcomeNoRule,
		Detail:     "no rule",
		RecordedAt: base,
	}}
	out := FromIntentRecords(recs)
	require.Len(t, out, 1)
	assert.Equal(t, int64(4), out[0].ID)
	assert.Equal(t, "audit", out[0].Module)
	assert.Equal(t, string(store.OutcomeNoRule), out[0].Outcome)
	assert.Empty(t, out[0].InstanceID)
}

func TestFromResult(t *testing.T) {
	res := orchestrator.Result{
		Type:       events.HealthIncidentReported,
		Action:     orchestrator.ActionIntent,
		Outcome:    store.OutcomeOpened,
		InstanceID: "inst-1",
	}
	dto := FromResult(res, nil)
	assert.Equal(t, "intent", dto.Action)
	assert.Equal(t, "inst-1", dto.InstanceID)
	assert.Empty(t, dto.Error)

	dto = FromResult(orchestrator.Result{Type: "bogus"}, errors.New("unknown event type"))
	assert.Equal(t, "bogus", dto.Type)
	assert.Empty(t, dto.Action)
	assert.Equal(t, "unknown event type", dto.Error)
}

func TestParseTime_RoundTrip(t *testing.T) {
	parsed, err := ParseTime(FormatTime(base))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(base))
	assert.Empty(t, FormatTime(time.Time{}))
}
