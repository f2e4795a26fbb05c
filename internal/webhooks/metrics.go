package webhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sessionpay/internal/metrics"
)

var notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Name:      "receipt_notifications_total",
	Help:      "Receipt notifications sent downstream, by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(notificationsTotal)
}
