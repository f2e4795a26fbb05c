// Package metrics owns the service-wide Prometheus namespace and the HTTP
// and connection-pool instrumentation. Domain packages register their own
// collectors under Namespace.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by the service.
const Namespace = "sessionpay"

// unmatchedRoute labels requests that matched no route, so scans against
// random paths cannot grow label cardinality.
const unmatchedRoute = "unmatched"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern and status class.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration by method and route pattern.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "build_info",
		Help:      "Always 1; labelled with the running version.",
	}, []string{"version"})

	dbOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "db_open_connections",
		Help:      "Open database connections.",
	})
	dbInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "db_in_use_connections",
		Help:      "Database connections currently in use.",
	})
	dbWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "db_wait_count",
		Help:      "Cumulative number of waits for a free connection.",
	})
	dbWaitSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "db_wait_seconds",
		Help:      "Cumulative time spent waiting for a free connection.",
	})
	goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		buildInfo,
		dbOpen,
		dbInUse,
		dbWaitCount,
		dbWaitSeconds,
		goroutines,
	)
}

// SetBuildInfo publishes the running version.
func SetBuildInfo(version string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version).Set(1)
}

// StartDBStatsCollector samples pool statistics every interval until ctx
// ends. Call in a goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recordDBStats(db.Stats())
		}
	}
}

func recordDBStats(stats sql.DBStats) {
	dbOpen.Set(float64(stats.OpenConnections))
	dbInUse.Set(float64(stats.InUse))
	dbWaitCount.Set(float64(stats.WaitCount))
	dbWaitSeconds.Set(stats.WaitDuration.Seconds())
	goroutines.Set(float64(runtime.NumGoroutine()))
}

// Middleware records request count and latency by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusClass(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
