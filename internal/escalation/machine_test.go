package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/dispatch"
	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/rules"
)

// memStore is an in-memory Store that copies on every read and write.
type memStore struct {
	mu          sync.Mutex
	instances   map[string]*Instance
	byKey       map[string]string
	transitions map[string][]Transition
}

func newMemStore() *memStore {
	return &memStore{
		instances:   make(map[string]*Instance),
		byKey:       make(map[string]string),
		transitions: make(map[string][]Transition),
	}
}

func clone(inst *Instance) *Instance {
	c := *inst
	c.Recipients = append([]string(nil), inst.Recipients...)
	if inst.AckDueAt != nil {
		v := *inst.AckDueAt
		c.AckDueAt = &v
	}
	if inst.ResolvedAt != nil {
		v := *inst.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}

func (s *memStore) CreateInstance(_ context.Context, inst *Instance, t Transition) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[inst.DedupeKey]; ok {
		return clone(s.instances[id]), ErrDuplicate
	}
	s.instances[inst.ID] = clone(inst)
	s.byKey[inst.DedupeKey] = inst.ID
	s.transitions[inst.ID] = append(s.transitions[inst.ID], t)
	return clone(inst), nil
}

func (s *memStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(inst), nil
}

func (s *memStore) UpdateInstance(_ context.Context, inst *Instance, ts ...Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return ErrNotFound
	}
	s.instances[inst.ID] = clone(inst)
	s.transitions[inst.ID] = append(s.transitions[inst.ID], ts...)
	return nil
}

func (s *memStore) ListActiveBySubject(_ context.Context, module intent.Module, subjectID string) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, inst := range s.instances {
		if inst.Intent.Module == module && inst.Intent.SubjectID == subjectID && !inst.State.IsTerminal() {
			out = append(out, clone(inst))
		}
	}
	return out, nil
}

func (s *memStore) ListDue(_ context.Context, now time.Time) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, inst := range s.instances {
		if inst.State == StateDispatched && inst.AckDueAt != nil && !inst.AckDueAt.After(now) {
			out = append(out, clone(inst))
		}
	}
	return out, nil
}

func (s *memStore) ListInStates(_ context.Context, states ...State) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, inst := range s.instances {
		for _, st := range states {
			if inst.State == st {
				out = append(out, clone(inst))
			}
		}
	}
	return out, nil
}

func (s *memStore) Transitions(_ context.Context, id string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.transitions[id]...), nil
}

type fakeQueue struct {
	mu   sync.Mutex
	full bool
	jobs []dispatch.Job
}

func (q *fakeQueue) Enqueue(job dispatch.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return dispatch.ErrQueueFull
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) setFull(full bool) {
	q.mu.Lock()
	q.full = full
	q.mu.Unlock()
}

func (q *fakeQueue) sent() []dispatch.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]dispatch.Job(nil), q.jobs...)
}

// stepResolver resolves step k to the names in its recipient entries.
type stepResolver struct{}

func (stepResolver) ResolveStep(_ context.Context, rule rules.Rule, step int, _ intent.Intent) ([]string, error) {
	var out []string
	for _, r := range rule.Steps()[step].Recipients {
		out = append(out, r.Name)
	}
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func incidentRule() rules.Rule {
	return rules.Rule{
		ID:              "incident-critical",
		Match:           rules.Match{Module: intent.ModuleHealth, Kind: intent.KindHealthIncident, MinSeverity: intent.SeverityCritical},
		Recipients:      []rules.Resolution{{Kind: rules.ResolveUser, Name: "primary"}},
		Template:        "incident_critical",
		InitialPriority: rules.PriorityHigh,
		Chain:           []rules.Step{{Delay: 15 * time.Minute, Recipients: []rules.Resolution{{Kind: rules.ResolveUser, Name: "department-head"}}}},
		AckTimeout:      30 * time.Minute,
		RequiresAck:     true,
	}
}

func incidentIntent(subject string) intent.Intent {
	return intent.New(intent.ModuleHealth, intent.KindHealthIncident, subject, t0, intent.SeverityCritical, map[string]string{"site": "North"})
}

func planFor(rule rules.Rule) rules.Plan {
	return rules.Plan{Rule: rule, RuleSet: "v1", Recipients: []string{"primary"}, Priority: rule.StepPriority(0), Template: rule.Template}
}

type harness struct {
	store   *memStore
	queue   *fakeQueue
	clock   *clock
	machine *Machine
	seen    []Transition
	mu      sync.Mutex
}

func newHarness() *harness {
	h := &harness{store: newMemStore(), queue: &fakeQueue{}, clock: &clock{now: t0}}
	h.machine = NewMachine(h.store, h.queue, stepResolver{}, zap.NewNop(),
		WithClock(h.clock.Now),
		WithTransitionHook(func(t Transition) {
			h.mu.Lock()
			h.seen = append(h.seen, t)
			h.mu.Unlock()
		}))
	return h
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateDispatched))
	assert.True(t, CanTransition(StateDispatched, StateEscalated))
	assert.True(t, CanTransition(StateEscalated, StateDispatched))
	assert.True(t, CanTransition(StateEscalated, StateExpired))
	assert.False(t, CanTransition(StatePending, StateAcknowledged))
	assert.False(t, CanTransition(StateDispatched, StateExpired))

	for _, terminal := range []State{StateAcknowledged, StateExpired, StateResolved} {
		assert.True(t, terminal.IsTerminal())
		for _, to := range []State{StatePending, StateDispatched, StateEscalated, StateResolved} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestOpen_DispatchesStepZero(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	assert.Equal(t, StateDispatched, inst.State)
	assert.Equal(t, 0, inst.CurrentStep)
	require.NotNil(t, inst.AckDueAt)
	assert.Equal(t, t0.Add(15*time.Minute), *inst.AckDueAt)

	jobs := h.queue.sent()
	require.Len(t, jobs, 1)
	assert.Equal(t, inst.ID, jobs[0].InstanceID)
	assert.Equal(t, []string{"primary"}, jobs[0].Message.Recipients)
	assert.Equal(t, "incident_critical", jobs[0].Message.Template)
	assert.Equal(t, "high", jobs[0].Message.Priority)
	assert.Equal(t, "North", jobs[0].Message.Payload["site"])
	assert.Equal(t, "inc-1", jobs[0].Message.Payload["subject_id"])

	ts, _ := h.store.Transitions(ctx, inst.ID)
	require.Len(t, ts, 2)
	assert.Equal(t, StatePending, ts[0].To)
	assert.Equal(t, StateDispatched, ts[1].To)
}

func TestOpen_DuplicateCollapses(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	later := intent.New(intent.ModuleHealth, intent.KindHealthIncident, "inc-1", t0.Add(3*time.Hour), intent.SeverityCritical, nil)
	second, err := h.machine.Open(ctx, planFor(incidentRule()), later)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.queue.sent(), 1)
}

func TestOpen_ConcurrentDuplicatesProduceOneInstance(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
		}()
	}
	wg.Wait()

	all, _ := h.store.ListInStates(ctx, StatePending, StateDispatched)
	assert.Len(t, all, 1)
	assert.Len(t, h.queue.sent(), 1)
}

// Acknowledged at minute 10: no second dispatch ever happens.
func TestScenario_AcknowledgedBeforeWindow(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	acked, err := h.machine.Acknowledge(ctx, inst.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)
	assert.Equal(t, "alice", acked.ResolvedBy)
	assert.Nil(t, acked.AckDueAt)

	res, err := h.machine.Sweep(ctx, h.clock.Advance(5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, res.Escalated)

	got, _ := h.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StateAcknowledged, got.State)
	assert.Len(t, h.queue.sent(), 1)
}

// Unacknowledged after 15 minutes: escalates to the department head, then
// expires when the final window closes.
func TestScenario_EscalatesThenExpires(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	res, err := h.machine.Sweep(ctx, h.clock.Advance(14*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, res.Escalated, "window still open")

	res, err = h.machine.Sweep(ctx, h.clock.Advance(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)

	got, _ := h.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StateDispatched, got.State)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, []string{"department-head"}, got.Recipients)
	assert.Equal(t, rules.PriorityUrgent, got.Priority)
	require.NotNil(t, got.AckDueAt)
	assert.Equal(t, t0.Add(45*time.Minute), *got.AckDueAt)

	jobs := h.queue.sent()
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[1].Step)
	assert.Equal(t, []string{"department-head"}, jobs[1].Message.Recipients)

	_, err = h.machine.Sweep(ctx, h.clock.Advance(30*time.Minute))
	require.NoError(t, err)

	got, _ = h.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StateExpired, got.State)
	assert.Equal(t, 1, got.CurrentStep, "step never exceeds the last chain index")
	assert.Len(t, h.queue.sent(), 2)

	var states []State
	ts, _ := h.store.Transitions(ctx, inst.ID)
	for _, tr := range ts {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StatePending, StateDispatched, StateEscalated, StateDispatched, StateEscalated, StateExpired}, states)
}

// Permanent failure on step 0 escalates at once, without waiting 15 minutes.
func TestScenario_PermanentFailureForcesEscalation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	got, err := h.machine.Escalate(ctx, inst.ID, 0, "undeliverable: invalid recipient")
	require.NoError(t, err)
	assert.Equal(t, StateDispatched, got.State)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, t0, h.clock.Now(), "no time passed")

	jobs := h.queue.sent()
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[1].Step)
}

func TestEscalate_StaleStepIgnored(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	_, err = h.machine.Escalate(ctx, inst.ID, 0, "undeliverable")
	require.NoError(t, err)

	// A late failure report for step 0 must not skip step 1.
	got, err := h.machine.Escalate(ctx, inst.ID, 0, "undeliverable")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, StateDispatched, got.State)
	assert.Len(t, h.queue.sent(), 2)
}

func TestActive_TracksCurrentStep(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	active, err := h.machine.Active(ctx, inst.ID, 0)
	require.NoError(t, err)
	assert.True(t, active)

	_, err = h.machine.Escalate(ctx, inst.ID, 0, "acknowledgement window elapsed")
	require.NoError(t, err)

	active, err = h.machine.Active(ctx, inst.ID, 0)
	require.NoError(t, err)
	assert.False(t, active, "step 0 is superseded once step 1 is dispatched")
	active, err = h.machine.Active(ctx, inst.ID, 1)
	require.NoError(t, err)
	assert.True(t, active)

	_, err = h.machine.Resolve(ctx, intent.ModuleHealth, "inc-1", "health-module")
	require.NoError(t, err)
	active, err = h.machine.Active(ctx, inst.ID, 1)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = h.machine.Active(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_NeverReescalates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)
	other, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-2"))
	require.NoError(t, err)

	resolved, err := h.machine.Resolve(ctx, intent.ModuleHealth, "inc-1", "health-module")
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, StateResolved, resolved[0].State)

	again, err := h.machine.Resolve(ctx, intent.ModuleHealth, "inc-1", "health-module")
	require.NoError(t, err)
	assert.Empty(t, again, "second clear signal is a no-op")

	_, err = h.machine.Sweep(ctx, h.clock.Advance(2*time.Hour))
	require.NoError(t, err)
	_, err = h.machine.Escalate(ctx, inst.ID, 0, "undeliverable")
	require.NoError(t, err)

	got, _ := h.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StateResolved, got.State)
	assert.Equal(t, 0, got.CurrentStep)

	untouched, _ := h.store.GetInstance(ctx, other.ID)
	assert.NotEqual(t, StateResolved, untouched.State)
}

func TestAcknowledge_Rules(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.machine.Acknowledge(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	h.queue.setFull(true)
	pending, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, pending.State)

	_, err = h.machine.Acknowledge(ctx, pending.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	h.queue.setFull(false)
	_, err = h.machine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)

	acked, err := h.machine.Acknowledge(ctx, pending.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)

	again, err := h.machine.Acknowledge(ctx, pending.ID, "bob")
	require.NoError(t, err, "acknowledging a terminal instance is idempotent")
	assert.Equal(t, "alice", again.ResolvedBy)
}

func TestSweep_RetriesDeferredHandOff(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.queue.setFull(true)
	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, inst.State)
	assert.Nil(t, inst.AckDueAt)

	res, err := h.machine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, res.HandedOff, "queue still full")

	h.queue.setFull(false)
	res, err = h.machine.Sweep(ctx, h.clock.Advance(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.HandedOff)

	got, _ := h.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StateDispatched, got.State)
	require.NotNil(t, got.AckDueAt)
	assert.Equal(t, t0.Add(16*time.Minute), *got.AckDueAt)
}

func TestSweep_EscalatedWaitingForQueue(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	h.queue.setFull(true)
	_, err = h.machine.Sweep(ctx, h.clock.Advance(15*time.Minute))
	require.NoError(t, err)

	got, _ := h.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StateEscalated, got.State)
	assert.Equal(t, 1, got.CurrentStep)

	h.queue.setFull(false)
	_, err = h.machine.Sweep(ctx, h.clock.Now())
	require.NoError(t, err)

	got, _ = h.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StateDispatched, got.State)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestComplete_AutoAcknowledgesRulesWithoutAck(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	rule := rules.Rule{
		ID:         "ppe-notice",
		Match:      rules.Match{Module: intent.ModulePPE, Kind: rules.Wildcard},
		Recipients: []rules.Resolution{{Kind: rules.ResolveRole, Name: "storeman"}},
		Template:   "ppe_notice",
	}
	in := intent.New(intent.ModulePPE, intent.KindPPECertificationExpiry, "ppe-1", t0, intent.SeverityInfo, nil)

	inst, err := h.machine.Open(ctx, planFor(rule), in)
	require.NoError(t, err)
	assert.Nil(t, inst.AckDueAt, "no window without acknowledgement")

	done, err := h.machine.Complete(ctx, inst.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, done.State)
	assert.Equal(t, SystemActor, done.ResolvedBy)

	// Rules requiring acknowledgement keep waiting after delivery.
	crit, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-9"))
	require.NoError(t, err)
	still, err := h.machine.Complete(ctx, crit.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StateDispatched, still.State)
}

func TestRecover_RequeuesDispatched(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	n, err := h.machine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.queue.sent(), 2)
}

// Acknowledgement and timer escalation racing on one instance always leave a
// consistent result: either acknowledged at step 0, or escalated to step 1.
func TestConcurrentAckAndSweep(t *testing.T) {
	for range 20 {
		h := newHarness()
		ctx := context.Background()

		inst, err := h.machine.Open(ctx, planFor(incidentRule()), incidentIntent("inc-1"))
		require.NoError(t, err)
		now := h.clock.Advance(15 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.machine.Acknowledge(ctx, inst.ID, "alice")
		}()
		go func() {
			defer wg.Done()
			_, _ = h.machine.Sweep(ctx, now)
		}()
		wg.Wait()

		got, _ := h.store.GetInstance(ctx, inst.ID)
		switch got.State {
		case StateAcknowledged:
			assert.LessOrEqual(t, got.CurrentStep, 1)
		case StateDispatched:
			assert.Equal(t, 1, got.CurrentStep)
		default:
			t.Fatalf("unexpected state %s", got.State)
		}
	}
}

func TestTransitionHook(t *testing.T) {
	h := newHarness()
	_, err := h.machine.Open(context.Background(), planFor(incidentRule()), incidentIntent("inc-1"))
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.seen, 2)
	assert.Equal(t, StateDispatched, h.seen[1].To)
}
