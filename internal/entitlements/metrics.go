package entitlements

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sessionpay/internal/metrics"
)

var grantsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "entitlements",
	Name:      "grants_total",
	Help:      "Attendance rows created by purchase fan-out.",
})

func init() {
	prometheus.MustRegister(grantsTotal)
}
