package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   prometheus.Counter

	// Call Metrics
	callsTotal    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callsDuration *prometheus.HistogramVec

	// Signaling Metrics
	signalsRelayedTotal *prometheus.CounterVec
	signalsDroppedTotal *prometheus.CounterVec

	// Quality Metrics
	qualityReportsTotal   prometheus.Counter
	qualityWarningsTotal  *prometheus.CounterVec
	qualityMonitorsActive prometheus.Gauge

	// Push Notification Metrics
	pushNotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		websocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of live WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages by event and direction",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),
		websocketErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of error events sent to WebSocket clients",
				ConstLabels: labels,
			},
		),
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by type and terminal status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently connected",
				ConstLabels: labels,
			},
		),
		callsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{30, 60, 300, 600, 1200, 1800, 3600},
			},
			[]string{"type"},
		),
		signalsRelayedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_relayed_total",
				Help:        "Total number of signaling messages relayed by type",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		signalsDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_dropped_total",
				Help:        "Total number of signaling messages rejected by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		qualityReportsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "quality_reports_total",
				Help:        "Total number of accepted quality metric reports",
				ConstLabels: labels,
			},
		),
		qualityWarningsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "quality_warnings_total",
				Help:        "Total number of quality warnings emitted by kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		qualityMonitorsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "quality_monitors_active",
				Help:        "Number of active per-participant quality monitors",
				ConstLabels: labels,
			},
		),
		pushNotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
	}
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocketConnected records a new live connection
func (m *Metrics) WebSocketConnected() {
	if m == nil {
		return
	}
	m.websocketConnections.Inc()
}

// WebSocketDisconnected records a closed connection
func (m *Metrics) WebSocketDisconnected() {
	if m == nil {
		return
	}
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records an inbound or outbound WebSocket message
func (m *Metrics) RecordWebSocketMessage(event, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

// RecordWebSocketError records an error event sent to a client
func (m *Metrics) RecordWebSocketError() {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.Inc()
}

// RecordCallStarted records a call entering CONNECTED
func (m *Metrics) RecordCallStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

// RecordCallFinished records a call reaching a terminal state
func (m *Metrics) RecordCallFinished(callType, status string, duration time.Duration, wasConnected bool) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType, status).Inc()
	if wasConnected {
		m.callsActive.Dec()
		m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
	}
}

// RecordSignalRelayed records a successfully relayed signaling message
func (m *Metrics) RecordSignalRelayed(signalType string) {
	if m == nil {
		return
	}
	m.signalsRelayedTotal.WithLabelValues(signalType).Inc()
}

// RecordSignalDropped records a rejected signaling message
func (m *Metrics) RecordSignalDropped(reason string) {
	if m == nil {
		return
	}
	m.signalsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordQualityReport records an accepted metrics report
func (m *Metrics) RecordQualityReport() {
	if m == nil {
		return
	}
	m.qualityReportsTotal.Inc()
}

// RecordQualityWarning records an emitted quality warning
func (m *Metrics) RecordQualityWarning(kind string) {
	if m == nil {
		return
	}
	m.qualityWarningsTotal.WithLabelValues(kind).Inc()
}

// MonitorStarted increments the active monitor gauge
func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.qualityMonitorsActive.Inc()
}

// MonitorStopped decrements the active monitor gauge
func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.qualityMonitorsActive.Dec()
}

// RecordPushNotification records a push notification attempt
func (m *Metrics) RecordPushNotification(result string) {
	if m == nil {
		return
	}
	m.pushNotificationsTotal.WithLabelValues(result).Inc()
}
