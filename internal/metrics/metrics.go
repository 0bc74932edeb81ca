package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lms_workspace"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	provisions        *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	operations        *prometheus.CounterVec
	reaped            prometheus.Counter
	sweepDuration     prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		provisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisions_total",
			Help:      "Provisioning attempts by outcome (created, reused, failed, busy).",
		}, []string{"outcome"}),
		provisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Time from provisioning request to terminal event.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by operation and result.",
		}, []string{"op", "result"}),
		reaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_workspaces_total",
			Help:      "Idle workspaces stopped by the reaper.",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reaper_sweep_duration_seconds",
			Help:      "Duration of reaper sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ProvisionFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(outcome).Inc()
	m.provisionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SweepFinished(stopped int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reaped.Add(float64(stopped))
	m.sweepDuration.Observe(elapsed.Seconds())
}
