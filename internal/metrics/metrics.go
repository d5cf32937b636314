package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_live_sessions",
		Help: "Current number of registered live sessions",
	})
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Number of room actors started in this process",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages appended to the ledger",
	})
	ConnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_connects_total",
		Help: "Connection attempts by outcome",
	}, []string{"outcome"})
	HistoryReplayed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_history_replayed_messages",
		Help:    "Number of messages replayed to a joining connection",
		Buckets: []float64{0, 1, 10, 50, 100, 200},
	})
	AdminActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_admin_actions_total",
		Help: "Admin control plane actions by kind and result",
	}, []string{"action", "result"})
	SlowConsumersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_slow_consumers_total",
		Help: "Connections dropped because their send buffer was full",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		LiveSessions, ActiveRooms, MessagesTotal, ConnectsTotal, HistoryReplayed,
		AdminActionsTotal, SlowConsumersTotal, HttpRequestsTotal, HttpRequestDuration,
	)
}

// AdminResult 记录一次管理操作的结果。
func AdminResult(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	AdminActionsTotal.WithLabelValues(action, result).Inc()
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
