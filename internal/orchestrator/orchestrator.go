package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/deadline"
	"github.com/RevCBH/hsenotify/internal/dispatch"
	"github.com/RevCBH/hsenotify/internal/escalation"
	"github.com/RevCBH/hsenotify/internal/metrics"
	"github.com/RevCBH/hsenotify/internal/normalize"
	"github.com/RevCBH/hsenotify/internal/rules"
	"github.com/RevCBH/hsenotify/internal/store"
)

// Store is the durable state the pipeline needs. *store.Store implements it.
type Store interface {
	escalation.Store
	deadline.Store
	dispatch.History

	AllAttempts(ctx context.Context, instanceID string) ([]dispatch.Attempt, error)
	LogIntent(ctx context.Context, rec store.IntentRecord) error
}

// Orchestrator coordinates the notification pipeline: events are normalized
// and evaluated, instances move through the state machine, steps leave via
// the dispatch queue, and deadlines fire on the scheduler's own clock.
type Orchestrator struct {
	cfg        Config
	store      Store
	normalizer *normalize.Normalizer
	evaluator  *rules.Evaluator
	machine    *escalation.Machine
	queue      *dispatch.Queue
	scheduler  *deadline.Scheduler
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Config holds orchestrator-specific configuration
type Config struct {
	// Thresholds drive severity classification of domain events
	Thresholds normalize.Thresholds

	// Dispatch configures the delivery worker pool and retries
	Dispatch dispatch.Options

	// Scheduler configures the deadline tick
	Scheduler deadline.Options
}

// Dependencies bundles external dependencies for injection
type Dependencies struct {
	Store    Store
	Channel  dispatch.Channel
	Rules    *rules.Registry
	Resolver rules.Resolver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// Alert is called directly when a scheduler tick fails
	Alert deadline.AlertFunc

	// Clock replaces the wall clock; nil means time.Now
	Clock func() time.Time
}

// New creates an orchestrator with the given configuration and dependencies.
// Nothing runs until Start or Run is called.
func New(cfg Config, deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		normalizer: normalize.New(cfg.Thresholds),
		evaluator:  rules.NewEvaluator(deps.Rules, deps.Resolver),
		logger:     logger.Named("orchestrator"),
		metrics:    deps.Metrics,
		now:        now,
	}

	o.queue = dispatch.NewQueue(cfg.Dispatch, deps.Channel, deps.Store, o, logger, deps.Metrics)
	o.machine = escalation.NewMachine(deps.Store, o.queue, o.evaluator, logger,
		escalation.WithClock(now),
		escalation.WithTransitionHook(func(t escalation.Transition) {
			o.metrics.Transition(string(t.From), string(t.To))
		}),
	)

	schedOpts := []deadline.Option{deadline.WithClock(now), deadline.WithMetrics(deps.Metrics)}
	if deps.Alert != nil {
		schedOpts = append(schedOpts, deadline.WithAlert(deps.Alert))
	}
	o.scheduler = deadline.NewScheduler(cfg.Scheduler, deps.Store, o, logger, schedOpts...)
	o.scheduler.OnTick(o.sweep)

	return o
}

// Start loads deadlines, launches the dispatch workers and re-queues steps
// that were in flight when the process last stopped. It does not tick.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.scheduler.Load(ctx); err != nil {
		return fmt.Errorf("failed to load deadlines: %w", err)
	}
	o.queue.Start(ctx)

	n, err := o.machine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover dispatched instances: %w", err)
	}
	if n > 0 {
		o.logger.Info("Re-queued dispatched instances", zap.Int("count", n))
	}
	return nil
}

// Run starts the pipeline and ticks the scheduler until ctx is cancelled,
// then waits for the dispatch workers to exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	err := o.scheduler.Run(ctx)
	o.Wait()
	return err
}

// Wait blocks until the dispatch workers started by Start have exited.
func (o *Orchestrator) Wait() {
	o.queue.Wait()
}

// Tick runs one scheduler tick followed by the escalation sweep.
func (o *Orchestrator) Tick(ctx context.Context) error {
	return o.scheduler.Tick(ctx)
}

// sweep runs after each scheduler tick and escalates instances whose
// acknowledgement window closed.
func (o *Orchestrator) sweep(ctx context.Context, now time.Time) error {
	res, err := o.machine.Sweep(ctx, now)
	if err != nil {
		return err
	}
	if res.Escalated > 0 || res.HandedOff > 0 || res.Failed > 0 {
		o.logger.Info("Escalation sweep",
			zap.Int("escalated", res.Escalated),
			zap.Int("handed_off", res.HandedOff),
			zap.Int("failed", res.Failed))
	}
	return nil
}

// Healthy reports whether the scheduler ticked recently.
func (o *Orchestrator) Healthy() bool {
	return o.scheduler.Healthy()
}

// LastTick returns the time of the last successful scheduler tick.
func (o *Orchestrator) LastTick() time.Time {
	return o.scheduler.LastTick()
}

// QueueLen reports how many jobs wait for a delivery worker.
func (o *Orchestrator) QueueLen() int {
	return o.queue.Len()
}

// Deadlines returns copies of every live deadline.
func (o *Orchestrator) Deadlines() []*deadline.Deadline {
	return o.scheduler.Deadlines()
}

// Detail is an instance together with its audit trail.
type Detail struct {
	Instance    *escalation.Instance    `json:"instance"`
	Transitions []escalation.Transition `json:"transitions"`
	Attempts    []dispatch.Attempt      `json:"attempts"`
}

// Instance returns the instance with its transitions and delivery attempts.
func (o *Orchestrator) Instance(ctx context.Context, id string) (*Detail, error) {
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	ts, err := o.store.Transitions(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := o.store.AllAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Instance: inst, Transitions: ts, Attempts: attempts}, nil
}

// Acknowledge records that by took ownership of the instance's current step.
func (o *Orchestrator) Acknowledge(ctx context.Context, id, by string) (*escalation.Instance, error) {
	if by == "" {
		return nil, fmt.Errorf("acknowledgement requires an actor")
	}
	return o.machine.Acknowledge(ctx, id, by)
}
