// Package metrics exposes Prometheus metrics for ingestion runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gewnthar/aplsync/config"
)

const namespace = "apl"

// Metrics holds the collectors. A nil or disabled Metrics records nothing.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RowsTotal       *prometheus.CounterVec
	PolicyRejected  *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	EntriesStored   *prometheus.GaugeVec
	LastSuccessTime *prometheus.GaugeVec

	registry *prometheus.Registry
	enabled  bool
}

// New builds the collectors on a private registry.
func New(cfg config.MetricsConfig) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry(), enabled: cfg.Enabled}
	if !cfg.Enabled {
		return m
	}

	feed := []string{"state", "data_source"}
	m.RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Sync runs by outcome",
	}, append(feed, "outcome"))
	m.RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_run_duration_seconds",
		Help:      "Wall time of one sync run",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, feed)
	m.RowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_total",
		Help:      "Rows by result (valid, invalid, skipped, added, updated, unchanged)",
	}, append(feed, "result"))
	m.PolicyRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_rejections_total",
		Help:      "Rows excluded or altered by state policy rules",
	}, append(feed, "reason"))
	m.Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_retries_total",
		Help:      "Retried sync attempts",
	}, feed)
	m.EntriesStored = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entries_stored",
		Help:      "Entries stored after the last successful run",
	}, feed)
	m.LastSuccessTime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful run",
	}, feed)

	m.registry.MustRegister(m.RunsTotal, m.RunDuration, m.RowsTotal, m.PolicyRejected,
		m.Retries, m.EntriesStored, m.LastSuccessTime)
	return m
}

// Enabled reports whether metrics are being recorded.
func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

// RunFinished records a completed run.
func (m *Metrics) RunFinished(state, source, outcome string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.RunsTotal.WithLabelValues(state, source, outcome).Inc()
	m.RunDuration.WithLabelValues(state, source).Observe(d.Seconds())
}

// Rows adds n rows with the given result.
func (m *Metrics) Rows(state, source, result string, n int) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.RowsTotal.WithLabelValues(state, source, result).Add(float64(n))
}

// Rejected adds n policy rejections for reason.
func (m *Metrics) Rejected(state, source, reason string, n int) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.PolicyRejected.WithLabelValues(state, source, reason).Add(float64(n))
}

// Retry counts one retried attempt.
func (m *Metrics) Retry(state, source string) {
	if !m.Enabled() {
		return
	}
	m.Retries.WithLabelValues(state, source).Inc()
}

// Succeeded records the stored entry count and success time of a feed.
func (m *Metrics) Succeeded(state, source string, entries int, at time.Time) {
	if !m.Enabled() {
		return
	}
	m.EntriesStored.WithLabelValues(state, source).Set(float64(entries))
	m.LastSuccessTime.WithLabelValues(state, source).Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
