// Package metrics exposes Prometheus collectors for the session manager and
// HTTP layer. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wadeck"

// Poll outcomes.
const (
	PollDrained     = "drained"
	PollEmpty       = "empty"
	PollSkippedBusy = "skipped_busy"
	PollHalted      = "halted"
	PollError       = "error"
)

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	constructions    *prometheus.CounterVec
	constructSeconds prometheus.Histogram
	selfHeals        prometheus.Counter
	removals         *prometheus.CounterVec
	lockWait         prometheus.Histogram
	lockTimeouts     *prometheus.CounterVec
	polls            *prometheus.CounterVec
	eventsDelivered  prometheus.Counter
	sinkErrors       prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpSeconds      *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Number of registered client sessions.",
		}),
		constructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "constructions_total",
			Help: "Driver handle construction attempts by result.",
		}, []string{"result"}),
		constructSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "construction_seconds",
			Help:    "Time spent constructing driver handles.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		selfHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "self_heals_total",
			Help: "Handles re-created after reporting an unknown status.",
		}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "removals_total",
			Help: "Sessions removed, by reason.",
		}, []string{"reason"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lock_wait_seconds",
			Help:    "Time foreground requests waited for a client lock.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		lockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_timeouts_total",
			Help: "Lock acquisitions that gave up, by caller.",
		}, []string{"caller"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_total",
			Help: "Poll cycles by outcome.",
		}, []string{"outcome"}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_delivered_total",
			Help: "Inbound messages handed to event sinks.",
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_errors_total",
			Help: "Batches at least one sink failed to deliver.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.constructions,
		m.constructSeconds,
		m.selfHeals,
		m.removals,
		m.lockWait,
		m.lockTimeouts,
		m.polls,
		m.eventsDelivered,
		m.sinkErrors,
		m.httpRequests,
		m.httpSeconds,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) ObserveConstruction(took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.constructions.WithLabelValues(result).Inc()
	m.constructSeconds.Observe(took.Seconds())
}

func (m *Metrics) SelfHeal() {
	if m == nil {
		return
	}
	m.selfHeals.Inc()
}

func (m *Metrics) Removed(reason string) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) LockTimeout(caller string) {
	if m == nil {
		return
	}
	m.lockTimeouts.WithLabelValues(caller).Inc()
}

func (m *Metrics) Poll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Delivered(messages int, err error) {
	if m == nil {
		return
	}
	m.eventsDelivered.Add(float64(messages))
	if err != nil {
		m.sinkErrors.Inc()
	}
}

func (m *Metrics) ObserveHTTP(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpSeconds.WithLabelValues(route).Observe(took.Seconds())
}
