// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hsenotify"

// Metrics groups every collector the service exports. All recording methods
// are safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	intentsTotal       *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	dispatchAttempts   *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
	queueRejected      prometheus.Counter
	deadlinesFired     *prometheus.CounterVec
	schedulerLastTick  prometheus.Gauge
	schedulerTickError prometheus.Counter
	clockMismatch      prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events received, by type and handling result.",
		}, []string{"type", "result"}),
		intentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Notification intents processed, by module and outcome.",
		}, []string{"module", "outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_transitions_total",
			Help:      "Escalation instance state transitions.",
		}, []string{"from", "to"}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of delivery channel sends.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Jobs waiting in the dispatch queue.",
		}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_rejected_total",
			Help:      "Jobs rejected because the dispatch queue was full.",
		}),
		deadlinesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadline_intents_total",
			Help:      "Deadline warning and expiry intents fired by the scheduler.",
		}, []string{"kind"}),
		schedulerLastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed scheduler tick.",
		}),
		schedulerTickError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_errors_total",
			Help:      "Scheduler ticks that failed.",
		}),
		clockMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_clock_mismatch_total",
			Help:      "Ticks that observed the wall clock moving backwards.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsTotal,
		m.intentsTotal,
		m.transitionsTotal,
		m.dispatchAttempts,
		m.dispatchDuration,
		m.queueDepth,
		m.queueRejected,
		m.deadlinesFired,
		m.schedulerLastTick,
		m.schedulerTickError,
		m.clockMismatch,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Event(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Intent(module, outcome string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(module, outcome).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) DispatchAttempt(channel, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(channel, result).Inc()
	m.dispatchDuration.WithLabelValues(channel).Observe(took.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

func (m *Metrics) DeadlineFired(kind string) {
	if m == nil {
		return
	}
	m.deadlinesFired.WithLabelValues(kind).Inc()
}

func (m *Metrics) SchedulerTick(at time.Time) {
	if m == nil {
		return
	}
	m.schedulerLastTick.Set(float64(at.Unix()))
}

func (m *Metrics) SchedulerTickError() {
	if m == nil {
		return
	}
	m.schedulerTickError.Inc()
}

func (m *Metrics) ClockMismatch() {
	if m == nil {
		return
	}
	m.clockMismatch.Inc()
}
