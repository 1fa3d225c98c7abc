package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the orchestrator's Prometheus metrics.
type Metrics struct {
	StepAttemptsTotal   *prometheus.CounterVec
	RunsTotal           *prometheus.CounterVec
	LoopDetectionsTotal *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
}

// NewMetrics registers the metrics with the default registry once and
// returns the shared instance.
//
// Metrics:
//   - specflow_step_attempts_total{step,status}
//   - specflow_runs_total{status,error_kind}
//   - specflow_loop_detections_total{step}
//   - specflow_step_duration_seconds{step}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StepAttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "specflow_step_attempts_total",
					Help: "Total number of finalized step attempts",
				},
				[]string{"step", "status"},
			),
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "specflow_runs_total",
					Help: "Total number of finished workflow runs",
				},
				[]string{"status", "error_kind"},
			),
			LoopDetectionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "specflow_loop_detections_total",
					Help: "Total number of runs halted by a repeated failure fingerprint",
				},
				[]string{"step"},
			),
			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "specflow_step_duration_seconds",
					Help:    "Duration of step attempts in seconds",
					Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
				},
				[]string{"step"},
			),
		}
	})
	return globalMetrics
}
