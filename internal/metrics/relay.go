package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Local counters mirror the prometheus series so the stats endpoint can
// read current values without scraping the registry.
var (
	activeConnectionsCount int64
	activeSubscrCount      int64
	eventsAcceptedCount    int64
	eventsRejectedCount    int64
)

func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// GetActiveConnectionsCount returns the current number of open sessions.
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

func IncrementActiveSubscriptions() {
	ActiveSubscriptions.Inc()
	atomic.AddInt64(&activeSubscrCount, 1)
}

func DecrementActiveSubscriptions() {
	ActiveSubscriptions.Dec()
	atomic.AddInt64(&activeSubscrCount, -1)
}

func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubscrCount)
}

func IncrementEventsAccepted(kind string) {
	EventsAccepted.WithLabelValues(kind).Inc()
	atomic.AddInt64(&eventsAcceptedCount, 1)
}

func GetEventsAcceptedCount() int64 {
	return atomic.LoadInt64(&eventsAcceptedCount)
}

func IncrementEventsRejected(reason string) {
	EventsRejected.WithLabelValues(reason).Inc()
	atomic.AddInt64(&eventsRejectedCount, 1)
}

func GetEventsRejectedCount() int64 {
	return atomic.LoadInt64(&eventsRejectedCount)
}

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roost_active_connections",
		Help: "The number of active WebSocket connections",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roost_active_subscriptions",
		Help: "The number of active subscriptions",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roost_messages_received_total",
		Help: "The total number of client frames received",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roost_messages_sent_total",
		Help: "The total number of frames sent to clients",
	})

	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_commands_received_total",
		Help: "The total number of protocol commands received by type",
	}, []string{"type"}) // "EVENT", "REQ", "CLOSE", "COUNT", "AUTH"

	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roost_command_processing_duration_seconds",
		Help:    "Time to process different command types",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	}, []string{"type"})

	EventsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_events_accepted_total",
		Help: "The total number of events accepted, by kind",
	}, []string{"kind"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_events_rejected_total",
		Help: "The total number of events rejected, by reason prefix",
	}, []string{"reason"})

	EventsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roost_events_stored",
		Help: "The number of events currently stored in the database",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roost_duplicate_events_total",
		Help: "The total number of duplicate events received",
	})

	ExpiredEventsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roost_expired_events_swept_total",
		Help: "The total number of expired events removed by the sweeper",
	})

	SubscriptionBacklogDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roost_slow_consumer_disconnects_total",
		Help: "Sessions disconnected because their send queue overflowed",
	})

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roost_db_errors_total",
		Help: "Total number of database errors by type",
	}, []string{"error_type"})
)

// RegisterMetrics pre-registers common label values so the series exist
// before the first increment.
func RegisterMetrics() {
	for _, cmdType := range []string{"EVENT", "REQ", "CLOSE", "COUNT", "AUTH"} {
		CommandsReceived.WithLabelValues(cmdType)
		CommandProcessingDuration.WithLabelValues(cmdType)
	}
	for _, reason := range []string{"invalid", "pow", "auth-required", "restricted", "rate-limited", "error"} {
		EventsRejected.WithLabelValues(reason)
	}
	for _, errType := range []string{"insert_failed", "query_failed", "delete_failed", "sweep_failed"} {
		DBErrors.WithLabelValues(errType)
	}
}
