package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/deadline"
	"github.com/RevCBH/hsenotify/internal/escalation"
	"github.com/RevCBH/hsenotify/internal/events"
	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/normalize"
	"github.com/RevCBH/hsenotify/internal/rules"
	"github.com/RevCBH/hsenotify/internal/store"
)

// Action describes how an event was handled.
type Action string

const (
	ActionIntent             Action = "intent"
	ActionIgnored            Action = "ignored"
	ActionResolved           Action = "resolved"
	ActionDeadlineRegistered Action = "deadline_registered"
	ActionDeadlineCancelled  Action = "deadline_cancelled"
)

// Result reports what one ingested event led to.
type Result struct {
	Type       events.Type   `json:"type"`
	Action     Action        `json:"action"`
	Outcome    store.Outcome `json:"outcome,omitempty"`
	InstanceID string        `json:"instance_id,omitempty"`
	DeadlineID string        `json:"deadline_id,omitempty"`
	Resolved   int           `json:"resolved,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// Ingest routes one domain event through the pipeline. Unknown event types
// fail with normalize.ErrUnknownEventType and never escalate.
func (o *Orchestrator) Ingest(ctx context.Context, e events.Event) (Result, error) {
	res, err := o.ingest(ctx, e)
	label := string(res.Action)
	if err != nil {
		label = "error"
		if errors.Is(err, normalize.ErrUnknownEventType) {
			label = "unknown"
		}
	}
	o.metrics.Event(string(e.Type), label)
	return res, err
}

func (o *Orchestrator) ingest(ctx context.Context, e events.Event) (Result, error) {
	res := Result{Type: e.Type}

	switch {
	case !e.Type.Known():
		o.logger.Warn("Dropping event of unknown type", zap.String("type", string(e.Type)))
		return res, fmt.Errorf("%w: %q", normalize.ErrUnknownEventType, e.Type)

	case e.Type.IsDeadlineLifecycle():
		return o.ingestDeadline(ctx, e)

	case e.Type.ClearsCondition():
		if e.SubjectID == "" {
			return res, fmt.Errorf("%w: %s: missing subject id", normalize.ErrInvalidEvent, e.Type)
		}
		by := e.Attributes["cleared_by"]
		if by == "" {
			by = string(e.Type)
		}
		resolved, err := o.ClearCondition(ctx, e.Type.Module(), e.SubjectID, by)
		res.Action = ActionResolved
		res.Resolved = len(resolved)
		return res, err
	}

	in, err := o.normalizer.Normalize(e)
	if err != nil {
		return res, err
	}
	if in == nil {
		res.Action = ActionIgnored
		return res, nil
	}

	sub, err := o.submit(ctx, *in)
	sub.Type = e.Type
	return sub, err
}

func (o *Orchestrator) ingestDeadline(ctx context.Context, e events.Event) (Result, error) {
	res := Result{Type: e.Type}
	spec := e.Deadline
	if spec == nil {
		return res, fmt.Errorf("%w: %s: missing deadline", normalize.ErrInvalidEvent, e.Type)
	}
	subject := e.SubjectID
	if subject == "" {
		subject = spec.ID
	}
	kind := deadline.Kind(spec.Kind)

	if e.Type == events.DeadlineCancelled {
		if err := o.scheduler.Cancel(ctx, spec.Module, subject, kind); err != nil {
			return res, err
		}
		res.Action = ActionDeadlineCancelled
		return res, nil
	}

	attrs := maps.Clone(e.Attributes)
	if spec.ID != "" && spec.ID != subject {
		if attrs == nil {
			attrs = make(map[string]string, 1)
		}
		attrs["reference"] = spec.ID
	}
	offsets := make([]time.Duration, 0, len(spec.WarningOffsetDays))
	for _, days := range spec.WarningOffsetDays {
		offsets = append(offsets, time.Duration(days)*deadline.Day)
	}

	d, err := o.scheduler.Register(ctx, deadline.Spec{
		Module:         spec.Module,
		SubjectID:      subject,
		Kind:           kind,
		DueAt:          spec.DueAt,
		WarningOffsets: offsets,
		Attributes:     attrs,
	})
	if errors.Is(err, deadline.ErrInvalidSpec) {
		return res, fmt.Errorf("%w: %v", normalize.ErrInvalidEvent, err)
	}
	if err != nil {
		return res, err
	}
	res.Action = ActionDeadlineRegistered
	res.DeadlineID = d.ID
	return res, nil
}

// Submit evaluates an intent and opens its escalation instance. It is the
// sink for deadline intents. Gaps such as a missing rule are recorded in the
// intent log and are not errors; an error means the intent should be retried.
func (o *Orchestrator) Submit(ctx context.Context, in intent.Intent) error {
	_, err := o.submit(ctx, in)
	return err
}

func (o *Orchestrator) submit(ctx context.Context, in intent.Intent) (Result, error) {
	res := Result{Action: ActionIntent}
	rec := store.IntentRecord{Intent: in, DedupeKey: in.DedupeKey(), RecordedAt: o.now().UTC()}
	log := o.logger.With(
		zap.String("module", string(in.Module)),
		zap.String("kind", string(in.Kind)),
		zap.String("subject", in.SubjectID),
		zap.String("severity", string(in.Severity)))

	plan, err := o.evaluator.Evaluate(ctx, in)
	switch {
	case errors.Is(err, rules.ErrNoMatchingRule):
		log.Warn("No escalation rule covers intent")
		rec.Outcome = store.OutcomeNoRule
		rec.Detail = err.Error()
		return o.record(ctx, res, rec)

	case errors.Is(err, rules.ErrUnresolvedRecipients) && len(plan.Recipients) == 0:
		log.Error("Intent has no recipients and no fallback operator", zap.Error(err))
		rec.Outcome = store.OutcomeUnresolvedRecipients
		rec.RuleID = plan.Rule.ID
		rec.Detail = err.Error()
		return o.record(ctx, res, rec)

	case errors.Is(err, rules.ErrUnresolvedRecipients):
		log.Warn("Recipients unresolved, addressing fallback operators",
			zap.Strings("fallback", plan.Recipients),
			zap.Error(err))
		rec.Detail = err.Error()

	case err != nil:
		return res, fmt.Errorf("failed to evaluate %s: %w", in, err)
	}
	rec.RuleID = plan.Rule.ID

	inst, err := o.machine.Open(ctx, plan, in)
	switch {
	case errors.Is(err, escalation.ErrDuplicate):
		log.Debug("Duplicate intent absorbed", zap.String("instance", inst.ID))
		rec.Outcome = store.OutcomeDuplicate
		rec.InstanceID = inst.ID
	case err != nil && inst == nil:
		return res, err
	case err != nil:
		// The instance exists; the next sweep retries the hand-off.
		log.Error("Failed to hand off new instance", zap.String("instance", inst.ID), zap.Error(err))
		fallthrough
	default:
		rec.Outcome = store.OutcomeOpened
		if plan.Fallback {
			rec.Outcome = store.OutcomeUnresolvedRecipients
		}
		rec.InstanceID = inst.ID
		log.Info("Escalation opened",
			zap.String("instance", inst.ID),
			zap.String("rule", plan.Rule.ID),
			zap.Strings("recipients", plan.Recipients))
	}
	res.InstanceID = rec.InstanceID
	return o.record(ctx, res, rec)
}

func (o *Orchestrator) record(ctx context.Context, res Result, rec store.IntentRecord) (Result, error) {
	res.Outcome = rec.Outcome
	res.Detail = rec.Detail
	o.metrics.Intent(string(rec.Intent.Module), string(rec.Outcome))
	if err := o.store.LogIntent(ctx, rec); err != nil {
		o.logger.Error("Failed to record intent outcome", zap.String("dedupe_key", rec.DedupeKey), zap.Error(err))
	}
	return res, nil
}

// ClearCondition resolves every open instance for the subject. Clearing a
// subject with nothing open does nothing.
func (o *Orchestrator) ClearCondition(ctx context.Context, module intent.Module, subjectID, by string) ([]*escalation.Instance, error) {
	if !module.Valid() {
		return nil, fmt.Errorf("%w: unknown module %q", normalize.ErrInvalidEvent, module)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("%w: missing subject id", normalize.ErrInvalidEvent)
	}
	resolved, err := o.machine.Resolve(ctx, module, subjectID, by)
	if len(resolved) > 0 {
		o.logger.Info("Condition cleared",
			zap.String("module", string(module)),
			zap.String("subject", subjectID),
			zap.Int("resolved", len(resolved)))
	}
	return resolved, err
}
