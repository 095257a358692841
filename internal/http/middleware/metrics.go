package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RLRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_requests_total",
			Help: "Total requests seen by the rate limiter",
		},
		[]string{"endpoint"},
	)
	RLBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_blocked_total",
			Help: "Total requests blocked by the rate limiter",
		},
		[]string{"endpoint"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(RLRequests)
	prometheus.MustRegister(RLBlocked)
	prometheus.MustRegister(HTTPRequestDuration)
}

// RequestMetrics observes latency per matched route; unmatched paths share one label
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
