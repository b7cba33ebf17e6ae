package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/dispatch"
	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/rules"
)

// SystemActor is recorded when the service itself closes an instance.
const SystemActor = "system"

// Enqueuer accepts dispatch jobs without blocking.
type Enqueuer interface {
	Enqueue(job dispatch.Job) error
}

// StepResolver re-resolves a step's recipients when the chain advances.
type StepResolver interface {
	ResolveStep(ctx context.Context, rule rules.Rule, step int, in intent.Intent) ([]string, error)
}

// Machine owns every state change of every instance. Operations on the same
// instance are serialized; operations on different instances run concurrently.
type Machine struct {
	store    Store
	queue    Enqueuer
	resolver StepResolver
	locks    *keyedMutex
	logger   *zap.Logger
	now      func() time.Time

	onTransition func(Transition)
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithTransitionHook is called after each persisted transition.
func WithTransitionHook(fn func(Transition)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// NewMachine creates a state machine.
func NewMachine(store Store, queue Enqueuer, resolver StepResolver, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		queue:    queue,
		resolver: resolver,
		locks:    newKeyedMutex(),
		logger:   logger.Named("escalation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates the instance for an evaluated intent and hands step 0 to the
// queue. A second intent with the same dedupe key returns the existing
// instance together with ErrDuplicate.
func (m *Machine) Open(ctx context.Context, plan rules.Plan, in intent.Intent) (*Instance, error) {
	now := m.now().UTC()
	inst := &Instance{
		ID:               ulid.Make().String(),
		DedupeKey:        in.DedupeKey(),
		Intent:           in,
		Rule:             plan.Rule,
		RuleSet:          plan.RuleSet,
		State:            StatePending,
		Recipients:       plan.Recipients,
		Priority:         plan.Priority,
		Fallback:         plan.Fallback,
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	unlock := m.locks.Lock(inst.ID)
	defer unlock()

	opened := Transition{InstanceID: inst.ID, To: StatePending, Reason: "opened", At: now}
	existing, err := m.store.CreateInstance(ctx, inst, opened)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return existing, err
		}
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	m.notify(opened)

	if err := m.handOff(ctx, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// Acknowledge records that someone took ownership of the current step.
// Acknowledging a terminal instance is a no-op.
func (m *Machine) Acknowledge(ctx context.Context, id, by string) (*Instance, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State.IsTerminal() {
		return inst, nil
	}

	t, err := inst.transition(StateAcknowledged, "acknowledged", by, m.now().UTC())
	if err != nil {
		return inst, err
	}
	if err := m.persist(ctx, inst, t); err != nil {
		return nil, err
	}
	m.logger.Info("Instance acknowledged", zap.String("instance", id), zap.String("by", by), zap.Int("step", inst.CurrentStep))
	return inst, nil
}

// Escalate moves the instance past the given step because its window closed
// or delivery failed. Stale steps and non-dispatched instances are ignored.
func (m *Machine) Escalate(ctx context.Context, id string, step int, reason string) (*Instance, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst, m.escalateLocked(ctx, inst, step, reason)
}

func (m *Machine) escalateLocked(ctx context.Context, inst *Instance, step int, reason string) error {
	if inst.State != StateDispatched || inst.CurrentStep != step {
		m.logger.Debug("Ignoring stale escalation",
			zap.String("instance", inst.ID),
			zap.String("state", string(inst.State)),
			zap.Int("step", step),
			zap.Int("current_step", inst.CurrentStep))
		return nil
	}

	now := m.now().UTC()
	escalated, err := inst.transition(StateEscalated, reason, SystemActor, now)
	if err != nil {
		return err
	}

	if inst.CurrentStep >= inst.Rule.LastStep() {
		expired, err := inst.transition(StateExpired, "escalation chain exhausted", SystemActor, now)
		if err != nil {
			return err
		}
		if err := m.persist(ctx, inst, escalated, expired); err != nil {
			return err
		}
		m.logger.Warn("Escalation chain exhausted without acknowledgement",
			zap.String("instance", inst.ID),
			zap.String("rule", inst.Rule.ID),
			zap.String("subject", inst.Intent.SubjectID))
		return nil
	}

	inst.CurrentStep++
	inst.AckDueAt = nil
	inst.Priority = inst.Rule.StepPriority(inst.CurrentStep)

	recipients, err := m.resolver.ResolveStep(ctx, inst.Rule, inst.CurrentStep, inst.Intent)
	if err != nil {
		m.logger.Error("Escalation step recipients unresolved",
			zap.String("instance", inst.ID),
			zap.Int("step", inst.CurrentStep),
			zap.Bool("fallback", len(recipients) > 0),
			zap.Error(err))
	}
	inst.Recipients = recipients
	inst.Fallback = err != nil && len(recipients) > 0

	if err := m.persist(ctx, inst, escalated); err != nil {
		return err
	}
	m.logger.Info("Instance escalated",
		zap.String("instance", inst.ID),
		zap.Int("step", inst.CurrentStep),
		zap.String("reason", reason),
		zap.Strings("recipients", inst.Recipients))

	return m.handOff(ctx, inst)
}

// Resolve closes every open instance for the subject because its condition
// cleared. A second signal finds nothing open and does nothing.
func (m *Machine) Resolve(ctx context.Context, module intent.Module, subjectID, by string) ([]*Instance, error) {
	open, err := m.store.ListActiveBySubject(ctx, module, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for %s/%s: %w", module, subjectID, err)
	}

	var resolved []*Instance
	var errs []error
	for _, candidate := range open {
		inst, err := m.resolveOne(ctx, candidate.ID, by)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inst != nil {
			resolved = append(resolved, inst)
		}
	}
	return resolved, errors.Join(errs...)
}

func (m *Machine) resolveOne(ctx context.Context, id, by string) (*Instance, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State.IsTerminal() {
		return nil, nil
	}

	t, err := inst.transition(StateResolved, "condition cleared", by, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, inst, t); err != nil {
		return nil, err
	}
	m.logger.Info("Instance resolved", zap.String("instance", id), zap.String("by", by))
	return inst, nil
}

// Complete closes an instance whose rule needs no acknowledgement once its
// step was delivered. Rules requiring acknowledgement keep waiting.
func (m *Machine) Complete(ctx context.Context, id string, step int) (*Instance, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Rule.RequiresAck || inst.State != StateDispatched || inst.CurrentStep != step {
		return inst, nil
	}

	t, err := inst.transition(StateAcknowledged, "delivered", SystemActor, m.now().UTC())
	if err != nil {
		return inst, err
	}
	return inst, m.persist(ctx, inst, t)
}

// Active reports whether the instance is still dispatched at step. It waits
// for the instance lock, so a hand-off in progress is observed once
// persisted.
func (m *Machine) Active(ctx context.Context, id string, step int) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	return inst.State == StateDispatched && inst.CurrentStep == step, nil
}

// SweepResult counts what a sweep changed.
type SweepResult struct {
	Escalated int
	HandedOff int
	Failed    int
}

// Sweep escalates every instance whose acknowledgement window has closed and
// retries hand-offs that found the queue full. The state is re-checked under
// the instance lock, so instances resolved or acknowledged since the listing
// are skipped.
func (m *Machine) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	due, err := m.store.ListDue(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to list due instances: %w", err)
	}
	for _, d := range due {
		escalated, err := m.escalateIfDue(ctx, d.ID, now)
		if err != nil {
			res.Failed++
			m.logger.Error("Failed to escalate instance", zap.String("instance", d.ID), zap.Error(err))
			continue
		}
		if escalated {
			res.Escalated++
		}
	}

	stuck, err := m.store.ListInStates(ctx, StatePending, StateEscalated)
	if err != nil {
		return res, fmt.Errorf("failed to list undispatched instances: %w", err)
	}
	for _, s := range stuck {
		handed, err := m.retryHandOff(ctx, s.ID)
		if err != nil {
			res.Failed++
			m.logger.Error("Failed to hand off instance", zap.String("instance", s.ID), zap.Error(err))
			continue
		}
		if handed {
			res.HandedOff++
		}
	}
	return res, nil
}

// Recover re-queues every dispatched instance's current step after a
// restart. Steps already delivered are skipped by the queue's history check.
func (m *Machine) Recover(ctx context.Context) (int, error) {
	dispatched, err := m.store.ListInStates(ctx, StateDispatched)
	if err != nil {
		return 0, fmt.Errorf("failed to list dispatched instances: %w", err)
	}
	n := 0
	for _, inst := range dispatched {
		if err := m.queue.Enqueue(m.job(inst)); err != nil {
			m.logger.Warn("Failed to re-queue instance", zap.String("instance", inst.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func (m *Machine) escalateIfDue(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.State != StateDispatched || inst.AckDueAt == nil || inst.AckDueAt.After(now) {
		return false, nil
	}
	if err := m.escalateLocked(ctx, inst, inst.CurrentStep, "acknowledgement window elapsed"); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) retryHandOff(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.State != StatePending && inst.State != StateEscalated {
		return false, nil
	}
	if err := m.handOff(ctx, inst); err != nil {
		return false, err
	}
	return inst.State == StateDispatched, nil
}

// handOff enqueues the current step and moves the instance to Dispatched.
// A full queue leaves the instance where it is for the next sweep.
// Callers hold the instance lock.
func (m *Machine) handOff(ctx context.Context, inst *Instance) error {
	if err := m.queue.Enqueue(m.job(inst)); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			m.logger.Warn("Dispatch queue full, hand-off deferred to next sweep",
				zap.String("instance", inst.ID),
				zap.Int("step", inst.CurrentStep))
			return nil
		}
		return fmt.Errorf("failed to enqueue instance %s: %w", inst.ID, err)
	}

	now := m.now().UTC()
	t, err := inst.transition(StateDispatched, fmt.Sprintf("step %d handed to dispatch", inst.CurrentStep), SystemActor, now)
	if err != nil {
		return err
	}
	if timeout, ok := inst.Rule.StepTimeout(inst.CurrentStep); ok {
		due := now.Add(timeout)
		inst.AckDueAt = &due
	}
	return m.persist(ctx, inst, t)
}

func (m *Machine) job(inst *Instance) dispatch.Job {
	payload := inst.Intent.Payload()
	payload["module"] = string(inst.Intent.Module)
	payload["kind"] = string(inst.Intent.Kind)
	payload["subject_id"] = inst.Intent.SubjectID
	payload["severity"] = string(inst.Intent.Severity)

	return dispatch.Job{
		InstanceID: inst.ID,
		Step:       inst.CurrentStep,
		Message: dispatch.Message{
			Recipients: inst.Recipients,
			Template:   inst.Rule.Template,
			Priority:   string(inst.Priority),
			Payload:    payload,
		},
	}
}

func (m *Machine) persist(ctx context.Context, inst *Instance, ts ...Transition) error {
	if err := m.store.UpdateInstance(ctx, inst, ts...); err != nil {
		return fmt.Errorf("failed to persist instance %s: %w", inst.ID, err)
	}
	for _, t := range ts {
		m.notify(t)
	}
	return nil
}

func (m *Machine) notify(t Transition) {
	if m.onTransition != nil {
		m.onTransition(t)
	}
}
