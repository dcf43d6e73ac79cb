package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// HTTPMetrics counts requests by matched route so path parameters such as
// order IDs do not explode label cardinality.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

// AccessLog logs every request once it completes and records it in metrics
// when metrics is non-nil. Health probes and /metrics log at debug.
func AccessLog(metrics *HTTPMetrics) gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		if metrics != nil && route != "/metrics" {
			metrics.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(status)).Inc()
			metrics.latency.WithLabelValues(route, c.Request.Method).Observe(elapsed.Seconds())
		}

		fields := []zap.Field{
			zap.String("request_id", GetRequestID(c.Request.Context())),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		}
		if route == "/metrics" || strings.HasPrefix(route, "/health") {
			log.Debug("http_request", fields...)
			return
		}
		log.Info("http_request", fields...)
	}
}
