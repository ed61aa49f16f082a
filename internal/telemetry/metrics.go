package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "patent_categorizer"

var stageDurationBuckets = []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics owns its registry so tests and multiple servers do not collide on
// the global one.
type Metrics struct {
	registry        *prometheus.Registry
	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	lookupTotal     *prometheus.CounterVec
	categorizeTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_stage_total",
			Help:      "Retrieval stage attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_stage_duration_seconds",
			Help:      "Retrieval stage latency.",
			Buckets:   stageDurationBuckets,
		}, []string{"stage"}),
		lookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_total",
			Help:      "Lookups by final source (cache, stage name or not_found).",
		}, []string{"source"}),
		categorizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "categorization_total",
			Help:      "Categorization results by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.stageTotal,
		m.stageDuration,
		m.lookupTotal,
		m.categorizeTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveStage(stage, outcome string, elapsed time.Duration) {
	m.stageTotal.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveLookup(source string) {
	m.lookupTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveCategorization(outcome string) {
	m.categorizeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
