// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// InboundMessagesTotal tracks visitor messages by pipeline verdict.
	InboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inbound_messages_total",
			Help: "Visitor messages processed by the inbound pipeline",
		},
		[]string{"channel", "verdict"},
	)

	// VerificationTotal tracks verification gate outcomes.
	VerificationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_verification_total",
			Help: "Verification gate outcomes",
		},
		[]string{"outcome"},
	)

	// OperatorNotificationsTotal tracks notifications sent to operators.
	OperatorNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_operator_notifications_total",
			Help: "Notifications fanned out to operators",
		},
		[]string{"status"},
	)

	// OutboundDeliveriesTotal tracks operator replies delivered to visitors.
	OutboundDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outbound_deliveries_total",
			Help: "Outbound deliveries to visitors",
		},
		[]string{"channel", "status"},
	)

	// DeliveryAttempts tracks how many attempts a delivery took.
	DeliveryAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_attempts",
			Help:    "Attempts needed per outbound delivery",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"channel"},
	)

	// ActiveVisitorLocks tracks per-visitor locks currently held or awaited.
	ActiveVisitorLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_visitor_locks_active",
			Help: "Per-visitor locks currently in use",
		},
	)

	// WebsocketConnectionsActive tracks open web chat push connections.
	WebsocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_websocket_connections_active",
			Help: "Number of active web chat websocket connections",
		},
	)

	// PolicyReloadsTotal tracks policy file reloads.
	PolicyReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_policy_reloads_total",
			Help: "Policy reload attempts",
		},
		[]string{"status"},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)

	// AuditPublishTotal tracks audit events published to NATS.
	AuditPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_audit_publish_total",
			Help: "Audit events published to the event stream",
		},
		[]string{"type", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordInbound records the verdict for one visitor message.
func RecordInbound(channel, verdict string) {
	InboundMessagesTotal.WithLabelValues(channel, verdict).Inc()
}

// RecordVerification records a verification gate outcome.
func RecordVerification(outcome string) {
	VerificationTotal.WithLabelValues(outcome).Inc()
}

// RecordNotification records one operator notification attempt.
func RecordNotification(status string) {
	OperatorNotificationsTotal.WithLabelValues(status).Inc()
}

// RecordDelivery records the outcome of one outbound delivery.
func RecordDelivery(channel, status string, attempts int) {
	OutboundDeliveriesTotal.WithLabelValues(channel, status).Inc()
	DeliveryAttempts.WithLabelValues(channel).Observe(float64(attempts))
}

// IncrementWebsocketConnections increments the active websocket count.
func IncrementWebsocketConnections() {
	WebsocketConnectionsActive.Inc()
}

// DecrementWebsocketConnections decrements the active websocket count.
func DecrementWebsocketConnections() {
	WebsocketConnectionsActive.Dec()
}
