package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for tracking sync and notification delivery
var (
	// Sync state metrics
	SyncState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notification_sync_state",
		Help: "Current sync state machine state (0=not_syncing, 1=starting, 2=syncing, 3=retrying, 4=canceling)",
	})

	SyncRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_sync_retries_total",
		Help: "The total number of sync loop retry attempts",
	})

	SyncedStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notification_synced_streams",
		Help: "The number of streams currently in the sync",
	})

	PingRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notification_sync_ping_round_trip_seconds",
		Help:    "Keepalive ping round trip time on the sync stream",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5), // 0.001, 0.01, 0.1, 1, 10
	})

	// Stream update metrics
	SyncUpdatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_sync_updates_received_total",
		Help: "The total number of sync messages received by opcode",
	}, []string{"op"}) // "SYNC_NEW", "SYNC_UPDATE", "SYNC_CLOSE", "SYNC_PONG"

	SyncUpdatesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_sync_updates_discarded_total",
		Help: "The total number of sync messages discarded for a stale sync id",
	})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_events_processed_total",
		Help: "The total number of stream events processed by stream kind",
	}, []string{"kind"})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_duplicate_events_total",
		Help: "The total number of already-seen events skipped",
	})

	// Dispatch metrics
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_dispatched_total",
		Help: "The total number of notifications dispatched by push type",
	}, []string{"push_type"})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_dispatch_failures_total",
		Help: "The total number of failed notification deliveries by push type",
	}, []string{"push_type"})

	DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notification_dispatch_in_flight",
		Help: "The number of push deliveries currently in flight",
	})

	SubscriptionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_subscriptions_expired_total",
		Help: "The total number of push subscriptions deleted after definitive delivery failure",
	})

	// HTTP metrics
	HTTPRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_http_requests_total",
		Help: "The total number of HTTP requests",
	})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notification_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5), // 0.01, 0.1, 1, 10, 100
	})

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"}) // "decode", "database", "stream_rpc", etc.

	// Database metrics
	DBConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_db_connections_total",
		Help: "Total number of database connections by status",
	}, []string{"status"}) // "success", "failure", "closed"

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_db_errors_total",
		Help: "Total number of database errors by type",
	}, []string{"error_type"})

	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_db_operations_total",
		Help: "Total number of database operations by type",
	}, []string{"operation"})
)

// RegisterMetrics ensures all metrics are registered with Prometheus
func RegisterMetrics() {
	// Pre-register sync opcodes
	syncOps := []string{"SYNC_NEW", "SYNC_UPDATE", "SYNC_CLOSE", "SYNC_PONG", "SYNC_DOWN"}
	for _, op := range syncOps {
		SyncUpdatesReceived.WithLabelValues(op)
	}

	// Pre-register stream kinds
	streamKinds := []string{"Channel", "DM", "GDM"}
	for _, kind := range streamKinds {
		EventsProcessed.WithLabelValues(kind)
	}

	// Pre-register push types
	pushTypes := []string{"web_push", "apns"}
	for _, pushType := range pushTypes {
		NotificationsSent.WithLabelValues(pushType)
		NotificationsFailed.WithLabelValues(pushType)
	}

	// Pre-register error types
	errorTypes := []string{
		"decode", "database", "stream_rpc", "dispatch",
		"bad_sync_cookie", "rate_limit", "auth",
	}
	for _, errType := range errorTypes {
		ErrorsCount.WithLabelValues(errType)
	}

	// Pre-register DB connection statuses
	dbStatuses := []string{"success", "failure", "closed"}
	for _, status := range dbStatuses {
		DBConnections.WithLabelValues(status)
	}

	// Pre-register DB error types
	dbErrorTypes := []string{
		"connection_failed", "transaction_start_failed", "batch_execution_failed",
		"transaction_commit_failed", "command_execution_failed",
	}
	for _, errType := range dbErrorTypes {
		DBErrors.WithLabelValues(errType)
	}

	// Pre-register DB operations
	dbOps := []string{"batch_success", "cursor_upsert", "settings_upsert"}
	for _, op := range dbOps {
		DBOperations.WithLabelValues(op)
	}
}
