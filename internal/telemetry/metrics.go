// Package telemetry holds the Prometheus counters and gauges (spec C3)
// and the HTTP request/trace id carriers. Metric shape and the
// MustRegister pattern are adapted from
// messages/internal/observability/metrics/metrics.go; no label is
// curried onto the vectors.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deeperhub_connections_total",
			Help: "Total WebSocket connections accepted.",
		},
		[]string{"result"},
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deeperhub_connections_active",
			Help: "Currently open WebSocket connections.",
		},
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deeperhub_frames_total",
			Help: "Total WebSocket frames processed.",
		},
		[]string{"direction", "opcode"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deeperhub_auth_attempts_total",
			Help: "Total auth message attempts.",
		},
		[]string{"result"},
	)

	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deeperhub_tokens_issued_total",
			Help: "Total token issue/refresh operations.",
		},
		[]string{"op", "result"},
	)

	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deeperhub_broker_messages_total",
			Help: "Total messages accepted by the channel broker.",
		},
		[]string{"topic"},
	)

	BrokerDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deeperhub_broker_dropped_total",
			Help: "Total per-subscriber deliveries dropped due to a full mailbox.",
		},
		[]string{"topic"},
	)

	BrokerQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deeperhub_broker_queue_size",
			Help: "Approximate current broker-wide queue size.",
		},
	)

	SecurityDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deeperhub_security_denials_total",
			Help: "Total security pipeline denials by stage and code.",
		},
		[]string{"stage", "code"},
	)
)

// MustRegister registers every metric with the default registry. Call
// once at startup.
func MustRegister() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		FramesTotal,
		AuthAttemptsTotal,
		TokensIssuedTotal,
		BrokerMessagesTotal,
		BrokerDroppedTotal,
		BrokerQueueSize,
		SecurityDenialsTotal,
	)
}
