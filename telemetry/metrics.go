package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PushBuckets for subscription pushes (query + transport)
	PushBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// SyncBuckets for full reconciliation passes (many remote round trips)
	SyncBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}

	// DecodeBuckets for notification decode and dispatch
	DecodeBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005}
)

// Notification pipeline metrics
var (
	// NotificationsTotal counts decoded notifications by kind (data, schema, triggers)
	NotificationsTotal CounterVec = noopCounterVec{}

	// NotificationDecodeFailuresTotal counts payloads that failed to decode
	NotificationDecodeFailuresTotal Counter = NoopStat{}

	// NotificationDispatchSeconds measures decode+dispatch latency
	NotificationDispatchSeconds Histogram = NoopStat{}

	// ListenerReconnectsTotal counts reconnection attempts on the LISTEN connection
	ListenerReconnectsTotal Counter = NoopStat{}

	// BrokenTriggersTotal counts error-marker notifications (schema drift)
	BrokenTriggersTotal Counter = NoopStat{}

	// StaleIndexesTotal counts notifications whose condition indexes could not be resolved
	StaleIndexesTotal Counter = NoopStat{}
)

// Registry metrics
var (
	// RegisteredConditions gauges this process's live trigger registrations
	RegisteredConditions Gauge = NoopStat{}

	// DeadlockRetriesTotal counts retried deadlocks on the control tables
	DeadlockRetriesTotal Counter = NoopStat{}

	// ReclaimedProcessesTotal counts stale process registrations garbage-collected
	ReclaimedProcessesTotal Counter = NoopStat{}
)

// Subscription metrics
var (
	// ActiveSubscriptions gauges live result-set subscriptions
	ActiveSubscriptions Gauge = NoopStat{}

	// PushesTotal counts subscription pushes by result (sent, throttled, failed)
	PushesTotal CounterVec = noopCounterVec{}

	// PushDurationSeconds measures push latency
	PushDurationSeconds Histogram = NoopStat{}
)

// Sync metrics
var (
	// ActiveSyncSessions gauges live two-way sync sessions
	ActiveSyncSessions Gauge = NoopStat{}

	// SyncPassesTotal counts reconciliation passes by result (converged, failed, deferred)
	SyncPassesTotal CounterVec = noopCounterVec{}

	// SyncPassSeconds measures full reconciliation pass duration
	SyncPassSeconds Histogram = NoopStat{}

	// SyncRowsTotal counts rows moved during reconciliation by direction (pulled, pushed)
	SyncRowsTotal CounterVec = noopCounterVec{}

	// WALFlushesTotal counts write-ahead buffer flushes
	WALFlushesTotal Counter = NoopStat{}
)

// Sink metrics
var (
	// SinkPublishTotal counts sink publishes by sink name and result
	SinkPublishTotal CounterVec = noopCounterVec{}

	// SinkQueueDropsTotal counts events dropped because a sink queue was full
	SinkQueueDropsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	NotificationsTotal = NewCounterVec(
		"notifications_total",
		"Decoded notifications by kind",
		[]string{"kind"},
	)
	NotificationDecodeFailuresTotal = NewCounter(
		"notification_decode_failures_total",
		"Notification payloads that failed to decode",
	)
	NotificationDispatchSeconds = NewHistogram(
		"notification_dispatch_seconds",
		"Notification decode and dispatch latency",
		DecodeBuckets,
	)
	ListenerReconnectsTotal = NewCounter(
		"listener_reconnects_total",
		"Reconnection attempts on the dedicated LISTEN connection",
	)
	BrokenTriggersTotal = NewCounter(
		"broken_triggers_total",
		"Error-marker notifications caused by invalid registered conditions",
	)
	StaleIndexesTotal = NewCounter(
		"stale_indexes_total",
		"Notifications carrying condition indexes the snapshot could not resolve",
	)

	RegisteredConditions = NewGauge(
		"registered_conditions",
		"Live trigger registrations owned by this process",
	)
	DeadlockRetriesTotal = NewCounter(
		"deadlock_retries_total",
		"Deadlocks retried on control table mutations",
	)
	ReclaimedProcessesTotal = NewCounter(
		"reclaimed_processes_total",
		"Stale process registrations garbage-collected",
	)

	ActiveSubscriptions = NewGauge(
		"active_subscriptions",
		"Live result-set subscriptions",
	)
	PushesTotal = NewCounterVec(
		"pushes_total",
		"Subscription pushes by result",
		[]string{"result"},
	)
	PushDurationSeconds = NewHistogram(
		"push_duration_seconds",
		"Subscription push latency",
		PushBuckets,
	)

	ActiveSyncSessions = NewGauge(
		"active_sync_sessions",
		"Live two-way sync sessions",
	)
	SyncPassesTotal = NewCounterVec(
		"sync_passes_total",
		"Reconciliation passes by result",
		[]string{"result"},
	)
	SyncPassSeconds = NewHistogram(
		"sync_pass_seconds",
		"Full reconciliation pass duration",
		SyncBuckets,
	)
	SyncRowsTotal = NewCounterVec(
		"sync_rows_total",
		"Rows moved during reconciliation by direction",
		[]string{"direction"},
	)
	WALFlushesTotal = NewCounter(
		"wal_flushes_total",
		"Write-ahead buffer flushes",
	)

	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Sink publishes by sink and result",
		[]string{"sink", "result"},
	)
	SinkQueueDropsTotal = NewCounterVec(
		"sink_queue_drops_total",
		"Events dropped because a sink queue was full",
		[]string{"sink"},
	)
}
