package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/deadline"
	"github.com/RevCBH/hsenotify/internal/dispatch"
	"github.com/RevCBH/hsenotify/internal/escalation"
	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/rules"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hsenotify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRule() rules.Rule {
	return rules.Rule{
		ID:              "incident-critical",
		Match:           rules.Match{Module: intent.ModuleHealth, Kind: intent.KindHealthIncident, MinSeverity: intent.SeverityCritical},
		Recipients:      []rules.Resolution{{Kind: rules.ResolveRole, Name: "safety_officer"}},
		Template:        "incident_critical",
		InitialPriority: rules.PriorityHigh,
		Chain:           []rules.Step{{Delay: 15 * time.Minute, Recipients: []rules.Resolution{{Kind: rules.ResolveRole, Name: "department_head"}}}},
		AckTimeout:      30 * time.Minute,
		RequiresAck:     true,
	}
}

func sampleInstance(id, subject string) *escalation.Instance {
	in := intent.New(intent.ModuleHealth, intent.KindHealthIncident, subject, base, intent.SeverityCritical,
		map[string]string{"incident_severity": "critical"})
	return &escalation.Instance{
		ID:               id,
		DedupeKey:        in.DedupeKey(),
		Intent:           in,
		Rule:             sampleRule(),
		RuleSet:          "2026.1",
		State:            escalation.StatePending,
		Recipients:       []string{"sofia@example.com"},
		Priority:         rules.PriorityHigh,
		CreatedAt:        base,
		LastTransitionAt: base,
	}
}

func opened(inst *escalation.Instance) escalation.Transition {
	return escalation.Transition{InstanceID: inst.ID, To: escalation.StatePending, Reason: "opened", At: inst.CreatedAt}
}

func TestOpen_Schema(t *testing.T) {
	s := openTestStore(t)

	var journalMode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	for _, table := range []string{"rule_sets", "instances", "transitions", "dispatch_attempts", "deadlines", "deadline_fired", "intent_log"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsenotify.db")
	s, err := Open(path)
	require.NoError(t, err)
	inst := sampleInstance("01J0000000000000000000001", "inc-1")
	_, err = s.CreateInstance(context.Background(), inst, opened(inst))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
}

func TestOpen_SchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsenotify.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE schema_version SET version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestInstance_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := sampleInstance("01J0000000000000000000001", "inc-1")

	created, err := s.CreateInstance(ctx, inst, opened(inst))
	require.NoError(t, err)
	assert.Same(t, inst, created)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.DedupeKey, got.DedupeKey)
	assert.Equal(t, inst.Intent.DedupeKey(), got.Intent.DedupeKey())
	assert.Equal(t, intent.SeverityCritical, got.Intent.Severity)
	v, _ := got.Intent.Value("incident_severity")
	assert.Equal(t, "critical", v)
	assert.Equal(t, "incident-critical", got.Rule.ID)
	assert.Equal(t, 15*time.Minute, got.Rule.Chain[0].Delay)
	assert.Equal(t, 30*time.Minute, got.Rule.AckTimeout)
	assert.Equal(t, []string{"sofia@example.com"}, got.Recipients)
	assert.Equal(t, rules.PriorityHigh, got.Priority)
	assert.True(t, base.Equal(got.CreatedAt))
	assert.Nil(t, got.AckDueAt)
	assert.Nil(t, got.ResolvedAt)
}

func TestInstance_DuplicateReturnsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first := sampleInstance("01J0000000000000000000001", "inc-1")
	_, err := s.CreateInstance(ctx, first, opened(first))
	require.NoError(t, err)

	second := sampleInstance("01J0000000000000000000002", "inc-1")
	existing, err := s.CreateInstance(ctx, second, opened(second))
	assert.ErrorIs(t, err, escalation.ErrDuplicate)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)

	_, err = s.GetInstance(ctx, second.ID)
	assert.ErrorIs(t, err, escalation.ErrNotFound)

	ts, err := s.Transitions(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, ts, 1)
}

func TestInstance_ConcurrentDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		dupes    int
		failures []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := sampleInstance("01J00000000000000000000"+string(rune('A'+i))+"0", "inc-1")
			_, err := s.CreateInstance(ctx, inst, opened(inst))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, escalation.ErrDuplicate):
				dupes++
			default:
				failures = append(failures, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Equal(t, 1, created)
	assert.Equal(t, 7, dupes)
}

func TestInstance_UpdateAndQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleInstance("01J0000000000000000000001", "inc-1")
	b := sampleInstance("01J0000000000000000000002", "inc-2")
	for _, inst := range []*escalation.Instance{a, b} {
		_, err := s.CreateInstance(ctx, inst, opened(inst))
		require.NoError(t, err)
	}

	due := base.Add(15 * time.Minute)
	a.State = escalation.StateDispatched
	a.AckDueAt = &due
	a.LastTransitionAt = base.Add(time.Second)
	require.NoError(t, s.UpdateInstance(ctx, a, escalation.Transition{
		InstanceID: a.ID, From: escalation.StatePending, To: escalation.StateDispatched, Reason: "handed off", At: a.LastTransitionAt,
	}))

	list, err := s.ListDue(ctx, base.Add(14*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListDue(ctx, due)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
	require.NotNil(t, list[0].AckDueAt)
	assert.True(t, due.Equal(*list[0].AckDueAt))

	pending, err := s.ListInStates(ctx, escalation.StatePending, escalation.StateEscalated)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	active, err := s.ListActiveBySubject(ctx, intent.ModuleHealth, "inc-1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	resolvedAt := base.Add(time.Minute)
	a.State = escalation.StateResolved
	a.AckDueAt = nil
	a.ResolvedAt = &resolvedAt
	a.ResolvedBy = "health-module"
	require.NoError(t, s.UpdateInstance(ctx, a))

	active, err = s.ListActiveBySubject(ctx, intent.ModuleHealth, "inc-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := s.GetInstance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "health-module", got.ResolvedBy)
	assert.Nil(t, got.AckDueAt)

	ts, err := s.Transitions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, escalation.StatePending, ts[0].To)
	assert.Equal(t, escalation.StateDispatched, ts[1].To)
	assert.Equal(t, "handed off", ts[1].Reason)

	all, err := s.ListInstances(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInstance_UpdateUnknown(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateInstance(context.Background(), sampleInstance("missing", "inc-1"))
	assert.ErrorIs(t, err, escalation.ErrNotFound)
}

func TestAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	inst := sampleInstance("01J0000000000000000000001", "inc-1")
	_, err := s.CreateInstance(ctx, inst, opened(inst))
	require.NoError(t, err)

	attempts := []dispatch.Attempt{
		{ID: "a1", InstanceID: inst.ID, Step: 0, AttemptNumber: 1, Channel: "webhook", SentAt: base, Result: dispatch.ResultTransientFailure, Error: "503"},
		{ID: "a2", InstanceID: inst.ID, Step: 0, AttemptNumber: 2, Channel: "webhook", SentAt: base.Add(2 * time.Second), Result: dispatch.ResultSuccess},
		{ID: "a3", InstanceID: inst.ID, Step: 1, AttemptNumber: 1, Channel: "webhook", SentAt: base.Add(15 * time.Minute), Result: dispatch.ResultPermanentFailure, Error: "410"},
	}
	for _, a := range attempts {
		require.NoError(t, s.RecordAttempt(ctx, a))
	}

	step0, err := s.Attempts(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, step0, 2)
	assert.Equal(t, "503", step0[0].Error)
	assert.Equal(t, dispatch.ResultSuccess, step0[1].Result)

	all, err := s.AllAttempts(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Attempts must reference a known instance.
	err = s.RecordAttempt(ctx, dispatch.Attempt{ID: "x", InstanceID: "missing", Channel: "webhook", SentAt: base, Result: dispatch.ResultSuccess})
	assert.Error(t, err)
}

func sampleDeadline() *deadline.Deadline {
	return &deadline.Deadline{
		ID:             "01JDEADLINE0000000000000001",
		Module:         intent.ModuleHealth,
		SubjectID:      "emp-1",
		Kind:           deadline.KindVaccinationExpiry,
		DueAt:          base.Add(30 * deadline.Day),
		WarningOffsets: []time.Duration{7 * deadline.Day, deadline.Day},
		Fired:          map[time.Duration]bool{},
		Attributes:     map[string]string{"vaccine": "tetanus"},
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func TestDeadlines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := sampleDeadline()

	_, err := s.FindDeadline(ctx, d.Module, d.SubjectID, d.Kind)
	assert.ErrorIs(t, err, deadline.ErrNotFound)

	require.NoError(t, s.UpsertDeadline(ctx, d))
	require.NoError(t, s.MarkFired(ctx, d.ID, 7*deadline.Day, base.Add(23*deadline.Day)))
	require.NoError(t, s.MarkFired(ctx, d.ID, 7*deadline.Day, base.Add(24*deadline.Day)))

	got, err := s.FindDeadline(ctx, d.Module, d.SubjectID, d.Kind)
	require.NoError(t, err)
	assert.Equal(t, d.WarningOffsets, got.WarningOffsets)
	assert.True(t, d.DueAt.Equal(got.DueAt))
	assert.Equal(t, "tetanus", got.Attributes["vaccine"])
	assert.Equal(t, map[time.Duration]bool{7 * deadline.Day: true}, got.Fired)

	// Upsert replaces the fired set.
	got.DueAt = base.Add(90 * deadline.Day)
	got.Fired = map[time.Duration]bool{}
	require.NoError(t, s.UpsertDeadline(ctx, got))

	list, err := s.ListDeadlines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Fired)
	assert.True(t, base.Add(90*deadline.Day).Equal(list[0].DueAt))

	require.NoError(t, s.DeleteDeadline(ctx, d.ID))
	list, err = s.ListDeadlines(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	var fired int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM deadline_fired").Scan(&fired))
	assert.Zero(t, fired)
}

type collectSink struct {
	intents []intent.Intent
}

func (c *collectSink) Submit(_ context.Context, in intent.Intent) error {
	c.intents = append(c.intents, in)
	return nil
}

func TestDeadlineScheduler_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hsenotify.db")
	ctx := context.Background()
	now := base
	clock := func() time.Time { return now }
	sink := &collectSink{}

	s, err := Open(path)
	require.NoError(t, err)
	sched := deadline.NewScheduler(deadline.DefaultOptions(), s, sink, zap.NewNop(), deadline.WithClock(clock))
	_, err = sched.Register(ctx, deadline.Spec{
		Module:         intent.ModuleHealth,
		SubjectID:      "emp-1",
		Kind:           deadline.KindVaccinationExpiry,
		DueAt:          base.Add(30 * deadline.Day),
		WarningOffsets: []time.Duration{7 * deadline.Day, deadline.Day},
	})
	require.NoError(t, err)

	now = base.Add(23 * deadline.Day)
	require.NoError(t, sched.Tick(ctx))
	require.Len(t, sink.intents, 1)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	sched = deadline.NewScheduler(deadline.DefaultOptions(), s, sink, zap.NewNop(), deadline.WithClock(clock))
	require.NoError(t, sched.Load(ctx))

	now = base.Add(30 * deadline.Day)
	require.NoError(t, sched.Tick(ctx))
	require.Len(t, sink.intents, 3)
	assert.Equal(t, intent.KindDeadlineApproaching, sink.intents[1].Kind)
	assert.Equal(t, intent.KindDeadlineExpired, sink.intents[2].Kind)
}

func TestIntentLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	in := intent.New(intent.ModuleAudit, intent.KindAuditOverdue, "audit-7", base, intent.SeverityWarning, nil)

	require.NoError(t, s.LogIntent(ctx, IntentRecord{Intent: in, Outcome: OutcomeNoRule, Detail: "no rule matches", RecordedAt: base}))
	require.NoError(t, s.LogIntent(ctx, IntentRecord{Intent: in, Outcome: OutcomeOpened, InstanceID: "01J", RuleID: "audit-any", RecordedAt: base.Add(time.Second)}))

	all, err := s.ListIntents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, OutcomeOpened, all[0].Outcome)
	assert.Equal(t, in.DedupeKey(), all[0].DedupeKey)
	assert.Equal(t, "audit-7", all[0].Intent.SubjectID)

	gaps, err := s.ListIntents(ctx, OutcomeNoRule, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "no rule matches", gaps[0].Detail)
}

func TestRuleSets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	src := []byte("version: \"2026.1\"\nrules: []\n")

	rec, err := s.SaveRuleSet(ctx, "2026.1", src, 0, base)
	require.NoError(t, err)
	assert.Len(t, rec.Checksum, 64)

	_, err = s.SaveRuleSet(ctx, "2026.1", src, 0, base.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.SaveRuleSet(ctx, "2026.2", []byte("version: \"2026.2\"\n"), 0, base.Add(2*time.Hour))
	require.NoError(t, err)

	list, err := s.ListRuleSets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2026.2", list[0].Version)
	assert.Equal(t, string(src), list[1].Source)
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(context.Background(), func() error {
		calls++
		return errors.New("syntax error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
