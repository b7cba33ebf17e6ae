package deadline

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/metrics"
)

// ErrClockRecoveryMismatch is logged when the wall clock moved backwards
// between ticks. The scheduler recovers by recomputing from stored state.
var ErrClockRecoveryMismatch = errors.New("clock recovery mismatch")

// Store persists deadlines and their fired offsets.
type Store interface {
	// UpsertDeadline writes the deadline and replaces its fired set.
	UpsertDeadline(ctx context.Context, d *Deadline) error
	DeleteDeadline(ctx context.Context, id string) error
	// FindDeadline returns ErrNotFound when no deadline matches.
	FindDeadline(ctx context.Context, module intent.Module, subjectID string, kind Kind) (*Deadline, error)
	ListDeadlines(ctx context.Context) ([]*Deadline, error)
	MarkFired(ctx context.Context, id string, offset time.Duration, at time.Time) error
}

// Sink receives the intents the scheduler fires.
type Sink interface {
	Submit(ctx context.Context, in intent.Intent) error
}

// TickHook runs after every successful tick.
type TickHook func(ctx context.Context, now time.Time) error

// AlertFunc notifies operators directly that the scheduler is failing.
type AlertFunc func(ctx context.Context, err error)

// Options configures the Scheduler.
type Options struct {
	// Interval is the wall-clock tick period
	Interval time.Duration

	// StaleAfter is how long without a successful tick before Healthy fails
	StaleAfter time.Duration
}

// DefaultOptions returns a one-minute tick.
func DefaultOptions() Options {
	return Options{Interval: time.Minute, StaleAfter: 5 * time.Minute}
}

type liveDeadline struct {
	deadline *Deadline
	gen      uint64
}

// Scheduler owns every live deadline in a min-heap keyed by next unfired
// trigger time.
type Scheduler struct {
	opts    Options
	store   Store
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	heap     entryHeap
	live     map[string]*liveDeadline
	gen      uint64
	lastWall time.Time

	hooks []TickHook
	alert AlertFunc

	// failing and alertedAt are owned by the Run goroutine
	failing   bool
	alertedAt time.Time

	lastTick atomic.Int64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics records tick and firing metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithAlert installs the operator alert used when a tick fails.
func WithAlert(fn AlertFunc) Option {
	return func(s *Scheduler) { s.alert = fn }
}

// NewScheduler creates a scheduler. Call Load before Run.
func NewScheduler(opts Options, store Store, sink Sink, logger *zap.Logger, options ...Option) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * opts.Interval
	}
	s := &Scheduler{
		opts:   opts,
		store:  store,
		sink:   sink,
		logger: logger.Named("deadline"),
		now:    time.Now,
		live:   make(map[string]*liveDeadline),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// OnTick adds a hook run after each successful tick, outside the scheduler lock.
func (s *Scheduler) OnTick(h TickHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Load rebuilds the heap from durable storage, including fired offsets.
func (s *Scheduler) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Scheduler) loadLocked(ctx context.Context) error {
	all, err := s.store.ListDeadlines(ctx)
	if err != nil {
		return fmt.Errorf("failed to load deadlines: %w", err)
	}

	s.heap = s.heap[:0]
	s.live = make(map[string]*liveDeadline, len(all))
	for _, d := range all {
		s.trackLocked(d)
	}
	heap.Init(&s.heap)
	s.logger.Info("Deadlines loaded", zap.Int("count", len(all)))
	return nil
}

// trackLocked makes d live under a fresh generation and pushes its next trigger.
func (s *Scheduler) trackLocked(d *Deadline) {
	if d.Fired == nil {
		d.Fired = map[time.Duration]bool{}
	}
	s.gen++
	s.live[d.ID] = &liveDeadline{deadline: d, gen: s.gen}
	if at, ok := d.NextTrigger(); ok {
		heap.Push(&s.heap, entry{at: at, id: d.ID, gen: s.gen})
	}
}

// Spec describes a deadline reported by a producer module.
type Spec struct {
	Module         intent.Module
	SubjectID      string
	Kind           Kind
	DueAt          time.Time
	WarningOffsets []time.Duration
	Attributes     map[string]string
}

// Register creates the deadline, or reschedules the existing one for the
// same (module, subject, kind).
func (s *Scheduler) Register(ctx context.Context, spec Spec) (*Deadline, error) {
	if !spec.Module.Valid() {
		return nil, fmt.Errorf("%w: invalid module %q", ErrInvalidSpec, spec.Module)
	}
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("%w: invalid deadline kind %q", ErrInvalidSpec, spec.Kind)
	}
	if spec.SubjectID == "" || spec.DueAt.IsZero() {
		return nil, fmt.Errorf("%w: deadline requires subject id and due date", ErrInvalidSpec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	d, err := s.store.FindDeadline(ctx, spec.Module, spec.SubjectID, spec.Kind)
	switch {
	case errors.Is(err, ErrNotFound):
		d = &Deadline{
			ID:             ulid.Make().String(),
			Module:         spec.Module,
			SubjectID:      spec.SubjectID,
			Kind:           spec.Kind,
			DueAt:          spec.DueAt.UTC(),
			WarningOffsets: NormalizeOffsets(spec.WarningOffsets),
			Fired:          map[time.Duration]bool{},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up deadline: %w", err)
	default:
		d.Reschedule(spec.DueAt, spec.WarningOffsets, now)
	}
	if spec.Attributes != nil {
		d.Attributes = spec.Attributes
	}

	if err := s.store.UpsertDeadline(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to save deadline: %w", err)
	}
	s.trackLocked(d)

	s.logger.Info("Deadline registered",
		zap.String("deadline", d.ID),
		zap.String("module", string(d.Module)),
		zap.String("subject", d.SubjectID),
		zap.String("kind", string(d.Kind)),
		zap.Time("due_at", d.DueAt))
	return d.Clone(), nil
}

// Cancel deletes the deadline for (module, subject, kind). Its heap entry is
// dropped lazily. Cancelling an unknown deadline is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, module intent.Module, subjectID string, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.FindDeadline(ctx, module, subjectID, kind)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up deadline: %w", err)
	}
	if err := s.store.DeleteDeadline(ctx, d.ID); err != nil {
		return fmt.Errorf("failed to delete deadline: %w", err)
	}
	delete(s.live, d.ID)
	s.logger.Info("Deadline cancelled", zap.String("deadline", d.ID))
	return nil
}

// Tick fires every eligible unfired offset. Each offset is emitted before it
// is marked fired; a crash in between re-emits it after restart and the
// intent's dedupe key absorbs the repeat.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	now := s.now().UTC()
	err := s.tickLocked(ctx, now)
	hooks := append([]TickHook(nil), s.hooks...)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, h := range hooks {
		if err := h(ctx, now); err != nil {
			return fmt.Errorf("tick hook: %w", err)
		}
	}

	s.lastTick.Store(now.UnixNano())
	s.metrics.SchedulerTick(now)
	return nil
}

func (s *Scheduler) tickLocked(ctx context.Context, now time.Time) error {
	if !s.lastWall.IsZero() && now.Before(s.lastWall) {
		s.logger.Warn("Wall clock moved backwards, reconciling from stored state",
			zap.Error(ErrClockRecoveryMismatch),
			zap.Time("previous", s.lastWall),
			zap.Time("now", now))
		s.metrics.ClockMismatch()
		if err := s.loadLocked(ctx); err != nil {
			return err
		}
	}
	s.lastWall = now

	for {
		top, ok := s.heap.peek()
		if !ok || top.at.After(now) {
			return nil
		}
		heap.Pop(&s.heap)

		ld, ok := s.live[top.id]
		if !ok || ld.gen != top.gen {
			continue
		}
		if err := s.fireLocked(ctx, ld.deadline, now); err != nil {
			// Put the deadline back so the next tick retries it.
			heap.Push(&s.heap, top)
			return err
		}
		if at, ok := ld.deadline.NextTrigger(); ok {
			heap.Push(&s.heap, entry{at: at, id: top.id, gen: ld.gen})
		}
	}
}

func (s *Scheduler) fireLocked(ctx context.Context, d *Deadline, now time.Time) error {
	for _, offset := range d.DueOffsets(now) {
		in := d.Intent(offset)
		if err := s.sink.Submit(ctx, in); err != nil {
			return fmt.Errorf("failed to submit %s for deadline %s: %w", in.Kind, d.ID, err)
		}
		if err := s.store.MarkFired(ctx, d.ID, offset, now); err != nil {
			return fmt.Errorf("failed to mark deadline %s offset %s fired: %w", d.ID, offset, err)
		}
		d.Fired[offset] = true
		s.metrics.DeadlineFired(string(in.Kind))

		s.logger.Info("Deadline fired",
			zap.String("deadline", d.ID),
			zap.String("kind", string(in.Kind)),
			zap.String("subject", d.SubjectID),
			zap.Duration("offset", offset),
			zap.Time("trigger", d.TriggerAt(offset)))
	}
	return nil
}

// Run ticks immediately and then on every interval until ctx is done. A
// failed tick is reported to the alert hook and retried on the next interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick alerts when ticks start failing and then at most once per
// StaleAfter while they keep failing.
func (s *Scheduler) runTick(ctx context.Context) {
	err := s.Tick(ctx)
	if err == nil {
		if s.failing {
			s.logger.Info("Scheduler recovered")
			s.failing = false
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.metrics.SchedulerTickError()
	s.logger.Error("Scheduler tick failed", zap.Error(err))

	now := s.now()
	if s.failing && now.Sub(s.alertedAt) < s.opts.StaleAfter {
		return
	}
	s.failing = true
	s.alertedAt = now
	if s.alert != nil {
		s.alert(ctx, err)
	}
}

// LastTick returns the time of the last successful tick.
func (s *Scheduler) LastTick() time.Time {
	ns := s.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Healthy reports whether a tick succeeded within StaleAfter.
func (s *Scheduler) Healthy() bool {
	last := s.LastTick()
	if last.IsZero() {
		return false
	}
	return s.now().Sub(last) <= s.opts.StaleAfter
}

// Deadlines returns copies of every live deadline.
func (s *Scheduler) Deadlines() []*Deadline {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Deadline, 0, len(s.live))
	for _, ld := range s.live {
		out = append(out, ld.deadline.Clone())
	}
	return out
}
