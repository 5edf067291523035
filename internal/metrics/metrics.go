// Package metrics holds the Prometheus collectors of the import pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "statedata_import"

// Metrics groups the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	uploads           *prometheus.CounterVec
	rows              *prometheus.CounterVec
	promotions        *prometheus.CounterVec
	promotionDuration prometheus.Histogram
	transitions       *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of uploads by template and outcome.",
		}, []string{"template", "outcome"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Total number of parsed rows by outcome (staged or failed).",
		}, []string{"outcome"}),
		promotions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Total number of promotion attempts by result.",
		}, []string{"result"}),
		promotionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "promotion_duration_seconds",
			Help:      "Latency distribution of the atomic promotion step.",
			Buckets: []float64{
				0.005, 0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10, 30,
			},
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Total number of import status transitions by target status.",
		}, []string{"status"}),
	}
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	return New(prometheus.DefaultRegisterer)
})

// Default returns collectors registered on the default registry.
func Default() *Metrics {
	return defaultMetrics()
}

// Upload counts one upload. outcome is staged, duplicate or rejected.
func (m *Metrics) Upload(template, outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(template, outcome).Inc()
}

// Rows adds staged and failed row counts of one staging pass.
func (m *Metrics) Rows(staged, failed int) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues("staged").Add(float64(staged))
	m.rows.WithLabelValues("failed").Add(float64(failed))
}

// Promotion records one promotion attempt.
func (m *Metrics) Promotion(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.promotions.WithLabelValues(result).Inc()
	m.promotionDuration.Observe(elapsed.Seconds())
}

// Transition counts a status change into status.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}
