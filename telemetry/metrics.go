package telemetry

// DeliveryBuckets for in-process event delivery (enqueue to callback return)
var DeliveryBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

// Metrics is the prometheus mirror of the realtime layer counters. The
// snapshot Collector remains the source of truth for GetMetricsSnapshot;
// these exist for scraping only.
type Metrics struct {
	// EventsTotal counts delivered events by table and operation
	EventsTotal CounterVec

	// ReconnectAttemptsTotal counts reconnection attempts
	ReconnectAttemptsTotal Counter

	// ReconnectSuccessTotal counts successful reconnections
	ReconnectSuccessTotal Counter

	// RateLimitedTotal counts events rejected by the rate limiter
	RateLimitedTotal Counter

	// DeduplicatedTotal counts events dropped as duplicates
	DeduplicatedTotal Counter

	// DispatchDroppedTotal counts events dropped on full subscription queues
	DispatchDroppedTotal Counter

	// DeliverySeconds measures delivery latency from receipt to callback return
	DeliverySeconds Histogram

	// ConnectionState tracks the state machine (1 on the active state's label)
	ConnectionState GaugeVec

	// ActiveSubscriptions tracks currently registered subscriptions
	ActiveSubscriptions Gauge

	// LastHeartbeat is the unix timestamp of the last liveness broadcast
	LastHeartbeat Gauge
}

// NewMetrics registers the realtime metric set on the given telemetry
// instance. A nil telemetry yields all-noop metrics.
func NewMetrics(t *Telemetry) *Metrics {
	return &Metrics{
		EventsTotal: t.NewCounterVec(
			"events_total",
			"Delivered change events by table and operation",
			[]string{"table", "op"},
		),
		ReconnectAttemptsTotal: t.NewCounter(
			"reconnect_attempts_total",
			"Total reconnection attempts",
		),
		ReconnectSuccessTotal: t.NewCounter(
			"reconnect_success_total",
			"Total successful reconnections",
		),
		RateLimitedTotal: t.NewCounter(
			"rate_limited_events_total",
			"Events rejected by the per-scope rate limiter",
		),
		DeduplicatedTotal: t.NewCounter(
			"deduplicated_events_total",
			"Events dropped as duplicates within the dedup window",
		),
		DispatchDroppedTotal: t.NewCounter(
			"dispatch_dropped_events_total",
			"Events dropped because a subscription queue was full",
		),
		DeliverySeconds: t.NewHistogram(
			"delivery_seconds",
			"Event delivery latency from receipt to callback return",
			DeliveryBuckets,
		),
		ConnectionState: t.NewGaugeVec(
			"connection_state",
			"Connection state machine (1 on the current state)",
			[]string{"state"},
		),
		ActiveSubscriptions: t.NewGauge(
			"active_subscriptions",
			"Currently registered subscriptions",
		),
		LastHeartbeat: t.NewGauge(
			"last_heartbeat_timestamp_seconds",
			"Unix timestamp of the last liveness broadcast",
		),
	}
}
