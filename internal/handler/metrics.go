package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventlogRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlog_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	eventlogRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventlog_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	eventlogAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlog_appends_total",
		Help: "Total append attempts by result.",
	}, []string{"result"})

	eventlogEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventlog_entries",
		Help: "Number of entries in the event log.",
	})

	eventlogChainValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventlog_chain_valid",
		Help: "1 when the latest background verification found an intact chain, 0 otherwise.",
	})

	eventlogChainChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlog_chain_checks_total",
		Help: "Total background chain verifications by mode and result.",
	}, []string{"mode", "result"})

	eventlogRecorderFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_recorder_failures_total",
		Help: "Total non-fatal append failures swallowed by the recorder.",
	})

	eventlogBackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlog_backups_total",
		Help: "Total backups by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		eventlogRequestsTotal.WithLabelValues(method, path, status).Inc()
		eventlogRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordAppend records an append attempt.
func RecordAppend(ok bool) {
	eventlogAppendsTotal.WithLabelValues(result(ok)).Inc()
}

// SetEntriesGauge sets the entry count gauge.
func SetEntriesGauge(n int) {
	eventlogEntries.Set(float64(n))
}

// RecordChainCheck records a background verification.
func RecordChainCheck(mode string, healthy bool) {
	eventlogChainChecksTotal.WithLabelValues(mode, result(healthy)).Inc()
	if healthy {
		eventlogChainValid.Set(1)
	} else {
		eventlogChainValid.Set(0)
	}
}

// RecordRecorderFailure records an append failure swallowed by the recorder.
func RecordRecorderFailure() {
	eventlogRecorderFailuresTotal.Inc()
}

// RecordBackup records a backup attempt.
func RecordBackup(ok bool) {
	eventlogBackupsTotal.WithLabelValues(result(ok)).Inc()
}
