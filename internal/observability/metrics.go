package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgegate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "gateway",
			Name:      "send_attempts_total",
			Help:      "Point-to-point delivery attempts by result.",
		},
		[]string{"kind", "result"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgegate",
			Subsystem: "gateway",
			Name:      "send_duration_seconds",
			Help:      "End-to-end retrying send duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"kind", "result"},
	)
	gossipUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "gossip",
			Name:      "updates_total",
			Help:      "Gossip snapshot and seq handling by kind and result.",
		},
		[]string{"kind", "result"},
	)
	amopMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "amop",
			Name:      "messages_total",
			Help:      "Inbound AMOP messages by type and result.",
		},
		[]string{"type", "result"},
	)
	webhookDeliveries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgegate",
			Subsystem: "front",
			Name:      "webhook_duration_seconds",
			Help:      "Webhook delivery duration by target kind, status and result.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "status", "result"},
	)
	p2pSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgegate",
			Subsystem: "p2p",
			Name:      "sessions",
			Help:      "Currently established peer sessions.",
		},
	)
	p2pFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgegate",
			Subsystem: "p2p",
			Name:      "frames_total",
			Help:      "Frames moved over peer sessions by direction and packet type.",
		},
		[]string{"direction", "packet"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sendAttempts,
			sendDuration,
			gossipUpdates,
			amopMessages,
			webhookDeliveries,
			p2pSessions,
			p2pFrames,
		)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordSendAttempt counts one peer attempt; kind is "node" or "topic".
func RecordSendAttempt(kind string, success bool) {
	RegisterMetrics()
	sendAttempts.WithLabelValues(kind, resultLabel(success)).Inc()
}

func RecordSend(kind string, result string, duration time.Duration) {
	RegisterMetrics()
	sendDuration.WithLabelValues(kind, result).Observe(duration.Seconds())
}

func RecordGossip(kind string, success bool) {
	RegisterMetrics()
	gossipUpdates.WithLabelValues(kind, resultLabel(success)).Inc()
}

func RecordAMOPMessage(msgType string, success bool) {
	RegisterMetrics()
	amopMessages.WithLabelValues(msgType, resultLabel(success)).Inc()
}

// RecordWebhook observes one webhook POST; kind is "front" or "client".
func RecordWebhook(kind string, status int, duration time.Duration, success bool) {
	RegisterMetrics()
	webhookDeliveries.WithLabelValues(kind, strconv.Itoa(status), resultLabel(success)).Observe(duration.Seconds())
}

func SessionOpened() {
	RegisterMetrics()
	p2pSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	p2pSessions.Dec()
}

func RecordFrame(direction, packet string) {
	RegisterMetrics()
	p2pFrames.WithLabelValues(direction, packet).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}
