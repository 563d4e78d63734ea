package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records the activity of the solvency engine as seen at the
// API boundary.
type EngineMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	liquidations  prometheus.Counter
	oracleRejects *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synthd",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "synthd",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "synthd",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Count of successful third-party liquidations.",
			}),
			oracleRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synthd",
				Subsystem: "oracle",
				Name:      "rejected_readings_total",
				Help:      "Oracle readings rejected by the staleness and validity policy.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.latency,
			engineRegistry.liquidations,
			engineRegistry.oracleRejects,
		)
	})
	return engineRegistry
}

// ObserveOperation records one engine operation outcome and its duration.
func (m *EngineMetrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if op == "liquidate" && err == nil {
		m.liquidations.Inc()
	}
}

// ObserveOracleReject counts a reading discarded by the oracle policy.
func (m *EngineMetrics) ObserveOracleReject(reason string) {
	if m == nil {
		return
	}
	m.oracleRejects.WithLabelValues(strings.TrimSpace(reason)).Inc()
}
