package receipts

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sessionpay/internal/metrics"
)

var receiptsIssued = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "receipts",
	Name:      "issued_total",
	Help:      "Receipts issued by the receipt worker.",
})

// jobResults counts worker outcomes: done, retried or dropped.
var jobResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "receipts",
	Name:      "jobs_total",
	Help:      "Receipt jobs processed by the worker, by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(receiptsIssued, jobResults)
}
