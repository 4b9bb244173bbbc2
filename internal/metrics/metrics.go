package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "titannet_ws_connections",
		Help: "Current number of open websocket connections",
	})
	WSSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "titannet_ws_sessions",
		Help: "Current number of authenticated websocket sessions",
	})
	WSMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "titannet_ws_messages_total",
		Help: "Total number of websocket requests handled, by type",
	}, []string{"type"})
	WSDroppedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "titannet_ws_dropped_clients_total",
		Help: "Clients closed because their send buffer was full or closed during a broadcast",
	})
	UploadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "titannet_repository_uploads_total",
		Help: "Total number of accepted repository uploads",
	})
	DownloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "titannet_repository_downloads_total",
		Help: "Total number of repository downloads served",
	})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WSConnections, WSSessions, WSMessagesTotal, WSDroppedClients,
		UploadsTotal, DownloadsTotal,
		HTTPRequestsTotal, HTTPRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HTTPRequestsTotal.With(labels).Inc()
		HTTPRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
