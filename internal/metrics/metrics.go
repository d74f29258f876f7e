// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/specialistvlad/gridbench/internal/executor"
)

// Outcome labels of finished units.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics records unit outcomes, durations, cache hits and budget use. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	units     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	cacheHits *prometheus.CounterVec
	cpuInUse  *prometheus.GaugeVec
	running   *prometheus.GaugeVec
	required  *prometheus.GaugeVec
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		units: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbench_units_total",
			Help: "Finished execution units by stage and outcome.",
		}, []string{"stage", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridbench_unit_duration_seconds",
			Help:    "Run time of execution units.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbench_cache_hits_total",
			Help: "Units skipped because a build cache entry was restored.",
		}, []string{"stage"}),
		cpuInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbench_cpu_in_use",
			Help: "CPU weight currently held by running units.",
		}, []string{"stage"}),
		running: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbench_units_running",
			Help: "Units currently running.",
		}, []string{"stage"}),
		required: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbench_units_required",
			Help: "Units planned by the last resolution of a stage.",
		}, []string{"stage"}),
	}
}

// Observe implements executor.Observer.
func (m *Metrics) Observe(e executor.Event) {
	if m == nil {
		return
	}
	switch e.Status {
	case executor.Running:
		m.cpuInUse.WithLabelValues(e.Pool).Add(float64(e.Weight))
		m.running.WithLabelValues(e.Pool).Inc()
	case executor.Exiting:
		m.cpuInUse.WithLabelValues(e.Pool).Sub(float64(e.Weight))
		m.running.WithLabelValues(e.Pool).Dec()
		m.duration.WithLabelValues(e.Pool).Observe(e.Duration.Seconds())
	case executor.Finished:
		m.units.WithLabelValues(e.Pool, outcome(e.Err)).Inc()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, executor.ErrSkipped):
		return OutcomeSkipped
	}
	return OutcomeFailed
}

// CacheHit counts a restored cache entry.
func (m *Metrics) CacheHit(stage string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(stage).Inc()
}

// Planned records how many units a stage resolution produced.
func (m *Metrics) Planned(stage string, n int) {
	if m == nil {
		return
	}
	m.required.WithLabelValues(stage).Set(float64(n))
}

var _ executor.Observer = (*Metrics)(nil)
