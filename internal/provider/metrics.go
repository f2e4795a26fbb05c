package provider

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sessionpay/internal/metrics"
)

var feeLookupFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "provider",
	Name:      "fee_lookup_failures_total",
	Help:      "Fee lookups that failed after retries, by provider and reason.",
}, []string{"provider", "reason"})

func init() {
	prometheus.MustRegister(feeLookupFailures)
}
