package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "appbridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appbridge_calls_total",
			Help: "Outbound calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appbridge_call_duration_seconds",
			Help:    "Time from send to resolution of an outbound call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "appbridge_pending_calls",
			Help: "Outbound calls awaiting a response",
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appbridge_notifications_total",
			Help: "Inbound notifications by delivery scope",
		},
		[]string{"scope"},
	)

	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appbridge_server_requests_total",
			Help: "Server-initiated requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appbridge_dropped_frames_total",
			Help: "Inbound frames dropped as noise",
		},
		[]string{"reason"},
	)

	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "appbridge_connection_state",
			Help: "Session state (0 disconnected, 1 connecting, 2 initializing, 3 ready)",
		},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appbridge_reconnects_total",
			Help: "Forced session rebuilds",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, calls, callDuration, pendingCalls, notifications, serverRequests, droppedFrames, connectionState, reconnects)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordCall counts a resolved call and its latency.
func RecordCall(method, outcome string, d time.Duration) {
	calls.WithLabelValues(method, outcome).Inc()
	callDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetPendingCalls reports the size of the pending set.
func SetPendingCalls(n int) {
	pendingCalls.Set(float64(n))
}

// RecordNotification counts a dispatched notification. scope is "thread" or
// "broadcast".
func RecordNotification(scope string) {
	notifications.WithLabelValues(scope).Inc()
}

// RecordServerRequest counts an answered server-initiated request.
func RecordServerRequest(method, outcome string) {
	serverRequests.WithLabelValues(method, outcome).Inc()
}

// RecordDroppedFrame counts an inbound frame discarded as noise.
func RecordDroppedFrame(reason string) {
	droppedFrames.WithLabelValues(reason).Inc()
}

// SetConnectionState reports the numeric session state.
func SetConnectionState(v int) {
	connectionState.Set(float64(v))
}

// RecordReconnect counts a forced reconnect.
func RecordReconnect() {
	reconnects.Inc()
}
