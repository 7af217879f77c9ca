package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the Chat Routing & Presence Engine.
//
// Naming convention: namespace_subsystem_name
// - namespace: chatrouter (application-level grouping)
// - subsystem: websocket, room, queue, assign, notify, reassign, circuit_breaker, rate_limit, redis
// - name: specific metric (connections_active, events_total, etc.)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrouter",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (one per visitor with live state).
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrouter",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active visitor rooms",
	})

	// RoomStaffCount tracks the number of staff subscribed to each room.
	RoomStaffCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatrouter",
		Subsystem: "room",
		Name:      "staff_count",
		Help:      "Number of staff currently subscribed to each room",
	}, []string{"visitor_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrouter",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatrouter",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// QueueDepth tracks the current size of each of C3's four queues, per organisation.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatrouter",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of visitors in a queue",
	}, []string{"org_id", "queue"})

	// AssignmentsTotal tracks the outcome of every C6 assignment attempt.
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrouter",
		Subsystem: "assign",
		Name:      "attempts_total",
		Help:      "Total assignment attempts by outcome",
	}, []string{"outcome"})

	// ReassignmentSweeps tracks C8 ticker executions and the chats it reassigned.
	ReassignmentSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrouter",
		Subsystem: "reassign",
		Name:      "sweeps_total",
		Help:      "Total reassignment sweep iterations",
	}, []string{"status"})

	// NotificationsTotal tracks in-app and e-mail notifications dispatched.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrouter",
		Subsystem: "notify",
		Name:      "dispatched_total",
		Help:      "Total notifications dispatched by sink and category",
	}, []string{"sink", "category"})

	// CircuitBreakerState tracks the current state of the circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatrouter",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrouter",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrouter",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrouter",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrouter",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatrouter",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
