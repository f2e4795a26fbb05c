package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sessionpay/internal/metrics"
)

var (
	strandedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "stranded_events",
		Help:      "Admitted events without an outcome found in the last sweep.",
	})

	sweepReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "replays_total",
		Help:      "Stranded events replayed by the sweeper, by result.",
	}, []string{"result"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(
		strandedEvents,
		sweepReplays,
		sweepDuration,
		sweepErrors,
	)
}
