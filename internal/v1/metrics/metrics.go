package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room synchronization server.
//
// Naming convention: namespace_subsystem_name
// - namespace: watchroom (application-level grouping)
// - subsystem: websocket, room, sync, chat (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, subscribers)
// - Counter: Cumulative events (commands, actions applied, errors)
// - Histogram: Latency distributions (event handling time)

var (
	// ActiveWebSocketConnections tracks the current number of live client connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks rooms with at least one local subscriber.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of locally active rooms",
	})

	// RoomSubscribers tracks the number of local subscribers per room.
	RoomSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchroom",
		Subsystem: "room",
		Name:      "subscribers_count",
		Help:      "Number of local subscribers in each room",
	}, []string{"room_id"})

	// WebsocketEvents counts processed client events by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks time spent handling client events.
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchroom",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ActionsScheduled counts commands accepted and enqueued as pending actions.
	ActionsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "sync",
		Name:      "actions_scheduled_total",
		Help:      "Total pending actions created",
	}, []string{"command"})

	// ActionsApplied counts actions drained and applied by the room advancer.
	ActionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "sync",
		Name:      "actions_applied_total",
		Help:      "Total pending actions applied to the durable snapshot",
	})

	// AdvanceLockMisses counts advance attempts that lost the advisory lock.
	AdvanceLockMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "sync",
		Name:      "advance_lock_misses_total",
		Help:      "Total room advance wakeups that did not acquire the advisory lock",
	})

	// ChatMessages counts accepted chat messages.
	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Total chat messages accepted",
	})

	// RateLimitExceeded counts denied requests by surface and key type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests denied by rate limiting",
	}, []string{"surface", "key_type"})

	// CircuitBreakerState reports gobreaker state (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchroom",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total requests rejected while the circuit breaker was open",
	}, []string{"name"})

	// SubscriberDisconnects counts subscribers dropped for lagging behind fan-out.
	SubscriberDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "websocket",
		Name:      "slow_subscriber_disconnects_total",
		Help:      "Total subscribers disconnected because their send buffer was full",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
