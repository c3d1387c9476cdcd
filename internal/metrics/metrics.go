// Package metrics exposes engram's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "engram"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	admissions    *prometheus.CounterVec
	drift         prometheus.Histogram
	reviews       *prometheus.CounterVec
	autoLinks     prometheus.Counter
	embedFailures prometheus.Counter
	phaseRuns     *prometheus.CounterVec
	phaseAffected *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	cycles        *prometheus.CounterVec
	records       *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Quality gate decisions by result and reason.",
		}, []string{"result", "reason"}),
		drift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_drift",
			Help:      "Goal drift of drift-checked admission candidates.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviews_total",
			Help:      "Submitted review outcomes.",
		}, []string{"outcome"}),
		autoLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_links_total",
			Help:      "Edges created by auto-linking.",
		}),
		embedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_failures_total",
			Help:      "Embedding calls that failed after retries.",
		}),
		phaseRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "phase_runs_total",
			Help:      "Consolidation phase runs by phase and result.",
		}, []string{"phase", "result"}),
		phaseAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "phase_records_total",
			Help:      "Records changed by consolidation phases.",
		}, []string{"phase"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "phase_duration_seconds",
			Help:      "Duration of consolidation phases.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consolidation",
			Name:      "cycles_total",
			Help:      "Completed consolidation cycles by trigger.",
		}, []string{"trigger"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records by lifecycle state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.admissions, m.drift, m.reviews, m.autoLinks, m.embedFailures,
		m.phaseRuns, m.phaseAffected, m.phaseDuration, m.cycles, m.records,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAdmission counts a gate decision. reason is empty for admissions.
func (m *Metrics) RecordAdmission(admitted bool, reason string) {
	if m == nil {
		return
	}
	result := "rejected"
	if admitted {
		result = "admitted"
	}
	m.admissions.WithLabelValues(result, reason).Inc()
}

// RecordDrift observes the goal drift of a candidate.
func (m *Metrics) RecordDrift(drift float64) {
	if m == nil {
		return
	}
	m.drift.Observe(drift)
}

// RecordReview counts a review outcome.
func (m *Metrics) RecordReview(outcome string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(outcome).Inc()
}

// RecordAutoLinks counts auto-created edges.
func (m *Metrics) RecordAutoLinks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.autoLinks.Add(float64(n))
}

// RecordEmbedFailure counts an embedding call that exhausted its retries.
func (m *Metrics) RecordEmbedFailure() {
	if m == nil {
		return
	}
	m.embedFailures.Inc()
}

// RecordPhase records one consolidation phase run.
func (m *Metrics) RecordPhase(phase string, d time.Duration, affected int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.phaseRuns.WithLabelValues(phase, result).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	if affected > 0 {
		m.phaseAffected.WithLabelValues(phase).Add(float64(affected))
	}
}

// RecordCycle counts a finished consolidation cycle.
func (m *Metrics) RecordCycle(trigger string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(trigger).Inc()
}

// SetRecords publishes record counts per lifecycle state.
func (m *Metrics) SetRecords(byState map[string]int) {
	if m == nil {
		return
	}
	for state, n := range byState {
		m.records.WithLabelValues(state).Set(float64(n))
	}
}
