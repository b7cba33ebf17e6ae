// Package daemon runs the notification pipeline as a long-lived service
// behind an HTTP ingestion and acknowledgement API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RevCBH/hsenotify/internal/config"
	"github.com/RevCBH/hsenotify/internal/delivery"
	"github.com/RevCBH/hsenotify/internal/dispatch"
	"github.com/RevCBH/hsenotify/internal/metrics"
	"github.com/RevCBH/hsenotify/internal/orchestrator"
	"github.com/RevCBH/hsenotify/internal/rules"
	"github.com/RevCBH/hsenotify/internal/store"
)

// ErrAlreadyRunning is returned when another daemon holds the lock file.
var ErrAlreadyRunning = errors.New("another hsenotify daemon is already running")

// shutdownTimeout bounds how long in-flight HTTP requests may take to finish
const shutdownTimeout = 10 * time.Second

// Options customizes a Daemon beyond its configuration.
type Options struct {
	// Version is reported by /healthz
	Version string

	// Channel replaces the configured delivery backends
	Channel dispatch.Channel

	// Clock replaces the wall clock
	Clock func() time.Time
}

// Daemon coordinates the pipeline, the API server and the single-instance lock.
type Daemon struct {
	cfg       *config.Config
	opts      Options
	logger    *zap.Logger
	store     *store.Store
	metrics   *metrics.Metrics
	registry  *rules.Registry
	directory *rules.Directory
	channel   dispatch.Channel
	orch      *orchestrator.Orchestrator
	ruleSet   store.RuleSetRecord
	lock      *flock.Flock
	started   time.Time
}

// New opens the database, loads and records the rule set and assembles the
// pipeline. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	source, err := os.ReadFile(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	rs, err := rules.Load(source)
	if err != nil {
		return nil, fmt.Errorf("invalid rules in %s: %w", cfg.RulesFile, err)
	}

	channel := opts.Channel
	if channel == nil {
		channel, err = delivery.FromConfig(cfg.DeliveryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create delivery channel: %w", err)
		}
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	rec, err := st.SaveRuleSet(ctx, rs.Version, source, len(rs.Rules), opts.Clock())
	if err != nil {
		st.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger.Named("daemon"),
		store:     st,
		metrics:   metrics.New(),
		registry:  rules.NewRegistry(rs),
		directory: NewDirectory(cfg.Directory),
		channel:   channel,
		ruleSet:   rec,
		lock:      flock.New(cfg.LockFile),
	}
	d.orch = orchestrator.New(orchestrator.Config{
		Thresholds: cfg.NormalizeThresholds(),
		Dispatch:   cfg.DispatchOptions(),
		Scheduler:  cfg.SchedulerOptions(),
	}, orchestrator.Dependencies{
		Store:    st,
		Channel:  channel,
		Rules:    d.registry,
		Resolver: d.directory,
		Logger:   logger,
		Metrics:  d.metrics,
		Alert:    d.alertOperators,
		Clock:    opts.Clock,
	})

	d.logger.Info("Rule set loaded",
		zap.String("version", rec.Version),
		zap.String("checksum", rec.Checksum),
		zap.Int("rules", rec.RuleCount))
	return d, nil
}

// NewDirectory builds the recipient directory from configuration. Each
// dynamic table becomes a named per-subject lookup.
func NewDirectory(cfg config.DirectoryConfig) *rules.Directory {
	dir := rules.NewDirectory(cfg.Roles)
	for name, table := range cfg.Dynamic {
		dir.RegisterLookup(name, rules.SubjectLookup(table))
	}
	return dir
}

// Run acquires the lock file and serves until ctx is cancelled or a
// component fails.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, d.cfg.LockFile)
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("Failed to release daemon lock", zap.Error(err))
		}
	}()

	listener, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	d.started = d.opts.Clock()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.orch.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	d.logger.Info("hsenotify daemon started",
		zap.String("listen", listener.Addr().String()),
		zap.String("database", d.store.Path()),
		zap.String("lock", d.cfg.LockFile),
		zap.String("channel", d.channel.Name()),
		zap.Int("pid", os.Getpid()))

	err = g.Wait()
	d.logger.Info("hsenotify daemon stopped")
	return err
}

// Start launches the pipeline without the lock, the listener or the
// scheduler clock, for embedding the API behind another server. Serve
// Handler and drive ticks with Tick.
func (d *Daemon) Start(ctx context.Context) error {
	d.started = d.opts.Clock()
	return d.orch.Start(ctx)
}

// Tick runs one scheduler tick and escalation sweep.
func (d *Daemon) Tick(ctx context.Context) error {
	return d.orch.Tick(ctx)
}

// Close waits for the dispatch workers and releases the database. Cancel
// the context given to Start or Run first.
func (d *Daemon) Close() error {
	d.orch.Wait()
	return d.store.Close()
}

// alertOperators is the scheduler's direct line to a human. It bypasses the
// dispatch queue and the escalation rules, which may be what is failing.
func (d *Daemon) alertOperators(ctx context.Context, cause error) {
	log := d.logger.With(zap.Error(cause))
	ops, err := rules.Operators(ctx, d.registry, d.directory)
	if err != nil || len(ops) == 0 {
		log.Error("Scheduler failing and no operator to alert", zap.NamedError("resolve_error", err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res := d.channel.Send(sendCtx, dispatch.Message{
		Recipients: ops,
		Template:   "scheduler_failure",
		Priority:   string(rules.PriorityUrgent),
		Payload: map[string]string{
			"error":     cause.Error(),
			"last_tick": d.orch.LastTick().Format(time.RFC3339),
		},
	})
	if res.Result != dispatch.ResultSuccess {
		log.Error("Failed to alert operators", zap.Strings("operators", ops), zap.NamedError("send_error", res.Err))
		return
	}
	log.Warn("Operators alerted about scheduler failure", zap.Strings("operators", ops))
}
