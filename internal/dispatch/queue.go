package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/RevCBH/hsenotify/internal/metrics"
)

// Options configures the Queue behavior.
type Options struct {
	Workers     int
	BufferSize  int
	Retry       RetryConfig
	SendTimeout time.Duration

	// RatePerSecond limits channel sends; zero disables limiting
	RatePerSecond float64
	Burst         int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Workers:       4,
		BufferSize:    256,
		Retry:         DefaultRetryConfig,
		SendTimeout:   10 * time.Second,
		RatePerSecond: 20,
		Burst:         5,
	}
}

type jobKey struct {
	instanceID string
	step       int
}

// Queue is a bounded buffer drained by a pool of delivery workers.
type Queue struct {
	opts     Options
	channel  Channel
	history  History
	reporter Reporter
	logger   *zap.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	jobs chan Job

	mu       sync.Mutex
	inflight map[jobKey]bool

	wg sync.WaitGroup

	// sleep waits out a retry backoff; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewQueue creates a queue. Call Start to launch the workers.
func NewQueue(opts Options, channel Channel, history History, reporter Reporter, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}

	limit := rate.Inf
	burst := opts.Burst
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if burst < 1 {
		burst = 1
	}

	return &Queue{
		opts:     opts,
		channel:  channel,
		history:  history,
		reporter: reporter,
		logger:   logger.Named("dispatch"),
		metrics:  m,
		limiter:  rate.NewLimiter(limit, burst),
		jobs:     make(chan Job, opts.BufferSize),
		inflight: make(map[jobKey]bool),
		sleep:    sleepCtx,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled; jobs
// still buffered at that point are recovered from durable state on the next
// start.
func (q *Queue) Start(ctx context.Context) {
	for range q.opts.Workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("Dispatch queue started",
		zap.String("channel", q.channel.Name()),
		zap.Int("workers", q.opts.Workers),
		zap.Int("buffer", q.opts.BufferSize),
	)
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue hands a job to the workers without blocking. A job for an
// (instance, step) already queued or being delivered is absorbed.
func (q *Queue) Enqueue(job Job) error {
	key := jobKey{job.InstanceID, job.Step}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight[key] {
		q.logger.Debug("Job already in flight",
			zap.String("instance", job.InstanceID),
			zap.Int("step", job.Step))
		return nil
	}

	select {
	case q.jobs <- job:
		q.inflight[key] = true
		q.metrics.QueueDepth(len(q.jobs))
		return nil
	default:
		q.metrics.QueueRejected()
		return fmt.Errorf("%w (instance %s step %d)", ErrQueueFull, job.InstanceID, job.Step)
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.metrics.QueueDepth(len(q.jobs))
			q.process(ctx, job)
			q.release(jobKey{job.InstanceID, job.Step})
		}
	}
}

func (q *Queue) release(key jobKey) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

// process delivers one job, retrying transient failures. Attempt numbering
// continues from history so a restart never grants extra attempts.
func (q *Queue) process(ctx context.Context, job Job) {
	log := q.logger.With(zap.String("instance", job.InstanceID), zap.Int("step", job.Step))

	history, err := q.history.Attempts(ctx, job.InstanceID, job.Step)
	if err != nil {
		log.Error("Failed to load attempt history", zap.Error(err))
		return
	}
	for _, a := range history {
		switch a.Result {
		case ResultSuccess:
			log.Debug("Step already delivered, skipping send")
			q.reporter.Delivered(ctx, job.InstanceID, job.Step)
			return
		case ResultPermanentFailure:
			q.reporter.Undeliverable(ctx, job.InstanceID, job.Step, a.Error)
			return
		}
	}

	n := len(history)
	for {
		if !q.reporter.Active(ctx, job.InstanceID, job.Step) {
			log.Info("Step no longer awaiting delivery, dropping job", zap.Int("attempts", n))
			return
		}
		if n >= q.opts.Retry.MaxAttempts {
			log.Warn("Delivery attempts exhausted", zap.Int("attempts", n))
			q.reporter.Undeliverable(ctx, job.InstanceID, job.Step, fmt.Sprintf("%d attempts exhausted", n))
			return
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return
		}

		n++
		res := q.send(ctx, job, n)

		switch res.Result {
		case ResultSuccess:
			log.Info("Delivered", zap.Int("attempt", n), zap.Int("recipients", len(job.Message.Recipients)))
			q.reporter.Delivered(ctx, job.InstanceID, job.Step)
			return

		case ResultPermanentFailure:
			log.Warn("Permanent delivery failure", zap.Int("attempt", n), zap.Error(res.Err))
			q.reporter.Undeliverable(ctx, job.InstanceID, job.Step, errString(res.Err))
			return

		default:
			log.Warn("Transient delivery failure", zap.Int("attempt", n), zap.Error(res.Err))
			if n >= q.opts.Retry.MaxAttempts {
				continue
			}
			if err := q.sleep(ctx, q.opts.Retry.Backoff(n)); err != nil {
				return
			}
		}
	}
}

func (q *Queue) send(ctx context.Context, job Job, attempt int) DeliveryResult {
	msg := job.Message
	msg.InstanceID = job.InstanceID
	msg.Step = job.Step
	msg.IdempotencyKey = uuid.NewString()

	var res DeliveryResult
	start := time.Now()
	if len(msg.Recipients) == 0 {
		res = Permanent(fmt.Errorf("no recipients"))
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
		res = q.channel.Send(sendCtx, msg)
		cancel()
	}
	if res.Result == "" {
		res.Result = ResultTransientFailure
	}
	q.metrics.DispatchAttempt(q.channel.Name(), string(res.Result), time.Since(start))

	a := Attempt{
		ID:            msg.IdempotencyKey,
		InstanceID:    job.InstanceID,
		Step:          job.Step,
		AttemptNumber: attempt,
		Channel:       q.channel.Name(),
		SentAt:        start.UTC(),
		Result:        res.Result,
		Error:         errString(res.Err),
	}
	if err := q.history.RecordAttempt(ctx, a); err != nil {
		q.logger.Error("Failed to record dispatch attempt",
			zap.String("instance", job.InstanceID),
			zap.Int("step", job.Step),
			zap.Error(err))
	}
	return res
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
