// Package metrics provides Prometheus metrics for the keeper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "digichar_keeper"

// Metrics holds every keeper metric. A nil *Metrics records nothing.
type Metrics struct {
	// Coordinator metrics
	Ticks           *prometheus.CounterVec
	CloseAttempts   *prometheus.CounterVec
	Reconciliations *prometheus.CounterVec
	CurrentRound    prometheus.Gauge
	LastTick        prometheus.Gauge

	// Pipeline metrics
	PipelineRuns        *prometheus.CounterVec
	PipelineDuration    prometheus.Histogram
	CharactersPublished prometheus.Counter

	// Config metrics
	ConfigUpdates *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "ticks_total",
			Help:      "Coordinator ticks by resulting state",
		}, []string{"state"}),
		CloseAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "close_attempts_total",
			Help:      "Close transactions by outcome",
		}, []string{"outcome"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "reconciliations_total",
			Help:      "Reconciliations of ambiguous transactions by outcome",
		}, []string{"outcome"}),
		CurrentRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "current_round",
			Help:      "Auction round id last observed on chain",
		}),
		LastTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "last_tick_timestamp",
			Help:      "Unix timestamp of the last completed tick",
		}),

		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by status",
		}, []string{"status"}),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Pipeline run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		CharactersPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "characters_published_total",
			Help:      "Characters whose avatar and metadata were published",
		}),

		ConfigUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "config_updates_total",
			Help:      "Config setter calls by field and outcome",
		}, []string{"field", "outcome"}),

		registry: reg,
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordTick records a finished coordinator tick.
func (m *Metrics) RecordTick(state string, roundID uint64, at time.Time) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(state).Inc()
	m.CurrentRound.Set(float64(roundID))
	m.LastTick.Set(float64(at.Unix()))
}

// RecordClose records the outcome of one close submission.
func (m *Metrics) RecordClose(outcome string) {
	if m == nil {
		return
	}
	m.CloseAttempts.WithLabelValues(outcome).Inc()
}

// RecordReconcile records the outcome of one reconciliation.
func (m *Metrics) RecordReconcile(outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
}

// RecordPipelineRun records a pipeline run.
func (m *Metrics) RecordPipelineRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(status).Inc()
	m.PipelineDuration.Observe(d.Seconds())
}

// RecordCharacterPublished increments the published characters counter.
func (m *Metrics) RecordCharacterPublished() {
	if m == nil {
		return
	}
	m.CharactersPublished.Inc()
}

// RecordConfigUpdate records a config setter call.
func (m *Metrics) RecordConfigUpdate(field, outcome string) {
	if m == nil {
		return
	}
	m.ConfigUpdates.WithLabelValues(field, outcome).Inc()
}
