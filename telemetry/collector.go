package telemetry

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the collector counters. Maps are
// deep-copied; callers can never observe or mutate live collector state.
type Snapshot struct {
	TotalEvents          uint64            `json:"total_events"`
	EventsByKind         map[string]uint64 `json:"events_by_kind"`
	EventsByTable        map[string]uint64 `json:"events_by_table"`
	ReconnectAttempts    uint64            `json:"reconnect_attempts"`
	SuccessfulReconnects uint64            `json:"successful_reconnects"`
	RateLimitedEvents    uint64            `json:"rate_limited_events"`
	DeduplicatedEvents   uint64            `json:"deduplicated_events"`
	AvgProcessingMS      float64           `json:"avg_processing_ms"`
	LastHeartbeat        time.Time         `json:"last_heartbeat"`
	ConnectionUptime     time.Duration     `json:"connection_uptime"`
}

// Collector accumulates the realtime layer counters. Counters are monotonic
// except on explicit Reset. Each counter is mutated only by the component
// that owns the corresponding operation; reads go through Snapshot copies.
// Prometheus mirrors (if any) are updated on the same call.
type Collector struct {
	mu sync.Mutex

	totalEvents          uint64
	eventsByKind         map[string]uint64
	eventsByTable        map[string]uint64
	reconnectAttempts    uint64
	successfulReconnects uint64
	rateLimitedEvents    uint64
	deduplicatedEvents   uint64

	// Incremental average: avg = (avg*(n-1) + sample) / n
	avgProcessingMS float64
	samples         uint64

	lastHeartbeat time.Time
	connectedAt   time.Time // zero while disconnected
	uptime        time.Duration

	metrics *Metrics
	now     func() time.Time
}

// NewCollector creates a collector. metrics may be nil; the prometheus
// mirrors then default to noop.
func NewCollector(metrics *Metrics) *Collector {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Collector{
		eventsByKind:  make(map[string]uint64),
		eventsByTable: make(map[string]uint64),
		metrics:       metrics,
		now:           time.Now,
	}
}

// Record counts one delivered event and folds its processing time into the
// running average.
func (c *Collector) Record(kind, table string, processingTime time.Duration) {
	sampleMS := float64(processingTime) / float64(time.Millisecond)

	c.mu.Lock()
	c.totalEvents++
	c.eventsByKind[kind]++
	c.eventsByTable[table]++
	c.samples++
	c.avgProcessingMS = (c.avgProcessingMS*float64(c.samples-1) + sampleMS) / float64(c.samples)
	c.mu.Unlock()

	c.metrics.EventsTotal.With(table, kind).Inc()
	c.metrics.DeliverySeconds.Observe(processingTime.Seconds())
}

func (c *Collector) RecordReconnectAttempt() {
	c.mu.Lock()
	c.reconnectAttempts++
	c.mu.Unlock()
	c.metrics.ReconnectAttemptsTotal.Inc()
}

func (c *Collector) RecordReconnectSuccess() {
	c.mu.Lock()
	c.successfulReconnects++
	c.mu.Unlock()
	c.metrics.ReconnectSuccessTotal.Inc()
}

func (c *Collector) RecordRateLimited() {
	c.mu.Lock()
	c.rateLimitedEvents++
	c.mu.Unlock()
	c.metrics.RateLimitedTotal.Inc()
}

func (c *Collector) RecordDeduplicated() {
	c.mu.Lock()
	c.deduplicatedEvents++
	c.mu.Unlock()
	c.metrics.DeduplicatedTotal.Inc()
}

func (c *Collector) RecordHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = c.now()
	c.mu.Unlock()
	c.metrics.LastHeartbeat.SetToCurrentTime()
}

// MarkConnected tracks connection uptime across connect/disconnect cycles.
func (c *Collector) MarkConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if connected {
		if c.connectedAt.IsZero() {
			c.connectedAt = c.now()
		}
		return
	}
	if !c.connectedAt.IsZero() {
		c.uptime += c.now().Sub(c.connectedAt)
		c.connectedAt = time.Time{}
	}
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Reset zeroes all counters and returns the pre-reset snapshot for audit.
// Connection uptime keeps accumulating; it tracks the live connection, not
// a counter.
func (c *Collector) Reset() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.snapshotLocked()

	c.totalEvents = 0
	c.eventsByKind = make(map[string]uint64)
	c.eventsByTable = make(map[string]uint64)
	c.reconnectAttempts = 0
	c.successfulReconnects = 0
	c.rateLimitedEvents = 0
	c.deduplicatedEvents = 0
	c.avgProcessingMS = 0
	c.samples = 0

	return prev
}

func (c *Collector) snapshotLocked() Snapshot {
	byKind := make(map[string]uint64, len(c.eventsByKind))
	for k, v := range c.eventsByKind {
		byKind[k] = v
	}
	byTable := make(map[string]uint64, len(c.eventsByTable))
	for k, v := range c.eventsByTable {
		byTable[k] = v
	}

	uptime := c.uptime
	if !c.connectedAt.IsZero() {
		uptime += c.now().Sub(c.connectedAt)
	}

	return Snapshot{
		TotalEvents:          c.totalEvents,
		EventsByKind:         byKind,
		EventsByTable:        byTable,
		ReconnectAttempts:    c.reconnectAttempts,
		SuccessfulReconnects: c.successfulReconnects,
		RateLimitedEvents:    c.rateLimitedEvents,
		DeduplicatedEvents:   c.deduplicatedEvents,
		AvgProcessingMS:      c.avgProcessingMS,
		LastHeartbeat:        c.lastHeartbeat,
		ConnectionUptime:     uptime,
	}
}
