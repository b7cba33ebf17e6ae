package rules

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/RevCBH/hsenotify/internal/intent"
)

var (
	// ErrNoMatchingRule means no configured rule covers the intent.
	ErrNoMatchingRule = errors.New("no matching rule")

	// ErrUnresolvedRecipients means a step's recipients resolved to nobody.
	// The accompanying plan carries the fallback operators when they exist.
	ErrUnresolvedRecipients = errors.New("unresolved recipients")
)

// Registry publishes immutable rule-set snapshots. Readers take the current
// snapshot per evaluation; a reload swaps the pointer.
type Registry struct {
	current atomic.Pointer[RuleSet]
}

// NewRegistry creates a registry holding rs.
func NewRegistry(rs *RuleSet) *Registry {
	r := &Registry{}
	r.Publish(rs)
	return r
}

// Publish replaces the current snapshot.
func (r *Registry) Publish(rs *RuleSet) {
	if rs == nil {
		rs = &RuleSet{}
	}
	r.current.Store(rs)
}

// Current returns the current snapshot.
func (r *Registry) Current() *RuleSet {
	return r.current.Load()
}

// Plan is the evaluated escalation plan for one intent.
type Plan struct {
	Rule       Rule
	RuleSet    string
	Recipients []string
	Priority   Priority
	Template   string

	// Fallback is set when Recipients are the system operators because the
	// rule's own resolution came back empty.
	Fallback bool
}

// Evaluator selects rules and resolves recipients. It holds no per-intent
// state and is safe for concurrent use.
type Evaluator struct {
	registry *Registry
	resolver Resolver
}

// NewEvaluator creates an evaluator over the registry's snapshots.
func NewEvaluator(registry *Registry, resolver Resolver) *Evaluator {
	return &Evaluator{registry: registry, resolver: resolver}
}

// Evaluate returns the plan for the intent's step 0.
//
// ErrNoMatchingRule is returned with an empty plan. ErrUnresolvedRecipients
// is returned alongside a plan addressed to the fallback operators; the plan
// is empty when the fallback resolves to nobody as well.
func (e *Evaluator) Evaluate(ctx context.Context, in intent.Intent) (Plan, error) {
	rs := e.registry.Current()

	rule, ok := rs.Select(in)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrNoMatchingRule, in)
	}

	plan := Plan{
		Rule:     rule,
		RuleSet:  rs.Version,
		Priority: rule.StepPriority(0),
		Template: rule.Template,
	}

	recipients, fallback, err := e.resolve(ctx, rs, rule, 0, in)
	plan.Recipients = recipients
	plan.Fallback = fallback
	return plan, err
}

// ResolveStep resolves the recipients of an escalation step with the same
// fallback policy as Evaluate.
func (e *Evaluator) ResolveStep(ctx context.Context, rule Rule, step int, in intent.Intent) ([]string, error) {
	recipients, _, err := e.resolve(ctx, e.registry.Current(), rule, step, in)
	return recipients, err
}

func (e *Evaluator) resolve(ctx context.Context, rs *RuleSet, rule Rule, step int, in intent.Intent) ([]string, bool, error) {
	steps := rule.Steps()
	if step < 0 || step >= len(steps) {
		return nil, false, fmt.Errorf("rule %s has no step %d", rule.ID, step)
	}

	recipients, err := resolveAll(ctx, e.resolver, steps[step].Recipients, in)
	if err == nil && len(recipients) > 0 {
		return recipients, false, nil
	}

	cause := fmt.Errorf("%w: rule %s step %d", ErrUnresolvedRecipients, rule.ID, step)
	if err != nil {
		cause = fmt.Errorf("%w: rule %s step %d: %v", ErrUnresolvedRecipients, rule.ID, step, err)
	}

	fallback, ferr := resolveAll(ctx, e.resolver, rs.Fallback, in)
	if ferr != nil || len(fallback) == 0 {
		return nil, false, fmt.Errorf("%w (no fallback operator)", cause)
	}
	return fallback, true, cause
}

// Operators resolves the rule set's fallback operators. It is used when the
// service itself needs a human, e.g. because the scheduler stalled.
func Operators(ctx context.Context, registry *Registry, resolver Resolver) ([]string, error) {
	return resolveAll(ctx, resolver, registry.Current().Fallback, intent.Intent{})
}
