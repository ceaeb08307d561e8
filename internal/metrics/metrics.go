// Package metrics exposes reconciliation and sweep results as Prometheus
// collectors on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blocksync/internal/reconcile"
	"blocksync/internal/sweep"
)

const namespace = "blocksync"

// Metrics holds the collectors. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	passDuration *prometheus.HistogramVec
	passErrors   *prometheus.CounterVec
	events       *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	fullSyncs    *prometheus.CounterVec
	recoveries   *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec

	sweepDuration prometheus.Histogram
	sweepRemoved  *prometheus.CounterVec
	sweepFailures prometheus.Counter

	requestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of one reconciliation pass over a source calendar",
			Buckets:   prometheus.DefBuckets,
		}, []string{"calendar"}),
		passErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_errors_total",
			Help:      "Reconciliation passes aborted by a retrieval error",
		}, []string{"calendar"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Events delivered by the change feed",
		}, []string{"calendar"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Per-event reconciliation outcomes by action",
		}, []string{"calendar", "action"}),
		fullSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "full_syncs_total",
			Help:      "Passes that listed a time window instead of using a cursor",
		}, []string{"calendar"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_cursor_recoveries_total",
			Help:      "Rejected sync cursors recovered by a full sync",
		}, []string{"calendar"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_lookups_total",
			Help:      "Block lookups by pass-cache result",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last pass that completed without a retrieval error",
		}, []string{"calendar"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of the duplicate sweep",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Blocks removed by the duplicate sweep",
		}, []string{"reason"}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Block removals that failed during the sweep",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of status server requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		m.passDuration, m.passErrors, m.events, m.outcomes, m.fullSyncs,
		m.recoveries, m.cacheLookups, m.lastSuccess,
		m.sweepDuration, m.sweepRemoved, m.sweepFailures,
		m.requestDuration,
		collectors.NewGoCollector(),
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObservePass records one calendar report.
func (m *Metrics) ObservePass(rep *reconcile.CalendarReport) {
	if m == nil || rep == nil {
		return
	}
	cal := rep.Name
	if cal == "" {
		cal = rep.CalendarID
	}
	m.passDuration.WithLabelValues(cal).Observe(rep.Duration.Seconds())
	m.events.WithLabelValues(cal).Add(float64(rep.Events))
	for action, n := range rep.Counts {
		m.outcomes.WithLabelValues(cal, string(action)).Add(float64(n))
	}
	if rep.FullSync {
		m.fullSyncs.WithLabelValues(cal).Inc()
	}
	if rep.Recovered {
		m.recoveries.WithLabelValues(cal).Inc()
	}
	m.cacheLookups.WithLabelValues("hit").Add(float64(rep.CacheHits))
	m.cacheLookups.WithLabelValues("miss").Add(float64(rep.CacheMisses))

	if rep.Err != nil {
		m.passErrors.WithLabelValues(cal).Inc()
		return
	}
	m.lastSuccess.WithLabelValues(cal).Set(float64(rep.Started.Add(rep.Duration).Unix()))
}

// ObserveSweep records one sweep report.
func (m *Metrics) ObserveSweep(rep *sweep.Report) {
	if m == nil || rep == nil {
		return
	}
	m.sweepDuration.Observe(rep.Duration.Seconds())
	m.sweepRemoved.WithLabelValues(string(sweep.ReasonDuplicate)).Add(float64(rep.DuplicatesRemoved))
	m.sweepRemoved.WithLabelValues(string(sweep.ReasonInstance)).Add(float64(rep.InstancesRemoved))
	m.sweepFailures.Add(float64(rep.Failures))
}

// ObserveHTTPRequest records one status server request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}
