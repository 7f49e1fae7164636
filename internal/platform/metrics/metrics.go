// Package metrics owns the Prometheus collectors exported on /metrics. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	promotions      *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	driftChecks     *prometheus.CounterVec
	incidentsOpened *prometheus.CounterVec
	sourceRequests  *prometheus.HistogramVec
	lockContention  prometheus.Counter
	snapshots       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		promotions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_promotions_total",
			Help: "Promotion executions by terminal outcome.",
		}, []string{"outcome"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_rollbacks_total",
			Help: "Promotion rollbacks by outcome.",
		}, []string{"outcome"}),
		driftChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_drift_checks_total",
			Help: "Environment drift checks by resulting status.",
		}, []string{"status"}),
		incidentsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_drift_incidents_opened_total",
			Help: "Drift incidents opened by severity.",
		}, []string{"severity"}),
		sourceRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgate_source_request_duration_seconds",
			Help:    "Workflow Source request latency by operation and result.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op", "result"}),
		lockContention: f.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_env_lock_contention_total",
			Help: "Mutating operations rejected because the environment was locked.",
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_snapshots_total",
			Help: "Snapshots recorded by type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Promotion(outcome string) {
	if m == nil {
		return
	}
	m.promotions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Rollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DriftCheck(status string) {
	if m == nil {
		return
	}
	m.driftChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) IncidentOpened(severity string) {
	if m == nil {
		return
	}
	m.incidentsOpened.WithLabelValues(severity).Inc()
}

func (m *Metrics) SourceRequest(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sourceRequests.WithLabelValues(op, result).Observe(d.Seconds())
}

func (m *Metrics) LockContended() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *Metrics) Snapshot(snapshotType string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(snapshotType).Inc()
}
