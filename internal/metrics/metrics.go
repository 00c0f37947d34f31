// Package metrics holds the Prometheus instruments for the realtime core.
// Instruments are registered on the default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courierlink_ws_connections",
			Help: "Current number of open websocket connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierlink_ws_connections_rejected_total",
			Help: "Connections refused before upgrade",
		},
		[]string{"reason"}, // "unauthenticated", "upgrade"
	)

	SlowConsumerDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courierlink_ws_slow_consumer_drops_total",
			Help: "Connections closed because their send queue was full",
		},
	)

	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierlink_commands_total",
			Help: "Inbound commands by type and outcome",
		},
		[]string{"type", "result"}, // result: "ok" or an error kind
	)

	// Rooms
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courierlink_rooms",
			Help: "Rooms currently held in memory",
		},
	)

	MessagesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courierlink_messages_accepted_total",
			Help: "Chat messages accepted and fanned out",
		},
	)

	// Tracking
	TrackingSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courierlink_tracking_sessions",
			Help: "Active location tracking sessions",
		},
	)

	TrackingSessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierlink_tracking_sessions_ended_total",
			Help: "Tracking sessions ended by reason",
		},
		[]string{"reason"},
	)

	LocationSamplesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courierlink_location_samples_accepted_total",
			Help: "Location samples accepted from couriers",
		},
	)

	// Persistence
	PersistQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courierlink_persist_queue_depth",
			Help: "Writes waiting for the history store",
		},
	)

	PersistWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierlink_persist_writes_total",
			Help: "Records durably written to the history store",
		},
		[]string{"kind"}, // "message", "sample"
	)

	PersistDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierlink_persist_dropped_total",
			Help: "Records dropped because the queue was full or retries were exhausted",
		},
		[]string{"kind", "cause"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courierlink_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
