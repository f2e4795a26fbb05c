package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sessionpay/internal/metrics"
)

var (
	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhooks",
		Name:      "total",
		Help:      "Webhook deliveries by provider and result.",
	}, []string{"provider", "result"})

	pipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhooks",
		Name:      "pipeline_duration_seconds",
		Help:      "Time spent reconciling one webhook delivery.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"provider"})

	entitlementFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "entitlements",
		Name:      "grant_failures_total",
		Help:      "Fan-outs that failed after the transaction was recorded.",
	}, []string{"provider"})

	receiptEnqueueFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "receipts",
		Name:      "enqueue_failures_total",
		Help:      "Receipt jobs that could not be queued.",
	})

	replaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhooks",
		Name:      "replays_total",
		Help:      "Stored events re-run through the pipeline, by provider and result.",
	}, []string{"provider", "result"})

	deferredApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhooks",
		Name:      "deferred_applied_total",
		Help:      "Status updates applied after their paid event created the transaction.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(webhooksTotal, pipelineDuration, entitlementFailures, receiptEnqueueFailures, replaysTotal, deferredApplied)
}
