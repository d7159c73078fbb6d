package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecord(t *testing.T) {
	c := NewCollector(nil)

	c.Record("INSERT", "votes", 10*time.Millisecond)
	c.Record("INSERT", "votes", 20*time.Millisecond)
	c.Record("UPDATE", "comments", 30*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalEvents)
	assert.Equal(t, uint64(2), snap.EventsByKind["INSERT"])
	assert.Equal(t, uint64(1), snap.EventsByKind["UPDATE"])
	assert.Equal(t, uint64(2), snap.EventsByTable["votes"])
	assert.Equal(t, uint64(1), snap.EventsByTable["comments"])
}

func TestCollectorIncrementalAverage(t *testing.T) {
	c := NewCollector(nil)

	c.Record("INSERT", "votes", 10*time.Millisecond)
	assert.InDelta(t, 10.0, c.Snapshot().AvgProcessingMS, 0.001)

	c.Record("INSERT", "votes", 20*time.Millisecond)
	assert.InDelta(t, 15.0, c.Snapshot().AvgProcessingMS, 0.001)

	c.Record("INSERT", "votes", 30*time.Millisecond)
	assert.InDelta(t, 20.0, c.Snapshot().AvgProcessingMS, 0.001)
}

func TestCollectorSnapshotIsACopy(t *testing.T) {
	c := NewCollector(nil)
	c.Record("INSERT", "votes", time.Millisecond)

	snap := c.Snapshot()
	snap.EventsByTable["votes"] = 999
	snap.EventsByKind["DELETE"] = 1

	fresh := c.Snapshot()
	assert.Equal(t, uint64(1), fresh.EventsByTable["votes"], "mutating a snapshot must not affect the collector")
	assert.NotContains(t, fresh.EventsByKind, "DELETE")
}

func TestCollectorResetReturnsPreResetSnapshot(t *testing.T) {
	c := NewCollector(nil)
	c.Record("INSERT", "votes", time.Millisecond)
	c.RecordRateLimited()
	c.RecordDeduplicated()
	c.RecordReconnectAttempt()
	c.RecordReconnectSuccess()

	prev := c.Reset()
	assert.Equal(t, uint64(1), prev.TotalEvents)
	assert.Equal(t, uint64(1), prev.RateLimitedEvents)
	assert.Equal(t, uint64(1), prev.DeduplicatedEvents)
	assert.Equal(t, uint64(1), prev.ReconnectAttempts)
	assert.Equal(t, uint64(1), prev.SuccessfulReconnects)

	after := c.Snapshot()
	assert.Zero(t, after.TotalEvents)
	assert.Zero(t, after.RateLimitedEvents)
	assert.Zero(t, after.AvgProcessingMS)
	assert.Empty(t, after.EventsByTable)
}

func TestCollectorUptime(t *testing.T) {
	c := NewCollector(nil)

	base := time.Unix(1000, 0)
	current := base
	c.now = func() time.Time { return current }

	c.MarkConnected(true)
	current = base.Add(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Snapshot().ConnectionUptime)

	c.MarkConnected(false)
	current = base.Add(20 * time.Second) // disconnected time does not count
	assert.Equal(t, 5*time.Second, c.Snapshot().ConnectionUptime)

	c.MarkConnected(true)
	current = base.Add(23 * time.Second)
	assert.Equal(t, 8*time.Second, c.Snapshot().ConnectionUptime)
}

func TestCollectorHeartbeat(t *testing.T) {
	c := NewCollector(nil)
	require.True(t, c.Snapshot().LastHeartbeat.IsZero())

	stamp := time.Unix(2000, 0)
	c.now = func() time.Time { return stamp }
	c.RecordHeartbeat()

	assert.Equal(t, stamp, c.Snapshot().LastHeartbeat)
}

func TestTelemetryNilIsNoop(t *testing.T) {
	var tel *Telemetry
	m := NewMetrics(tel)

	// Must not panic.
	m.EventsTotal.With("votes", "INSERT").Inc()
	m.ReconnectAttemptsTotal.Inc()
	m.ConnectionState.With("CONNECTED").Set(1)
	assert.Nil(t, tel.Handler())
}

func TestTelemetryInstancesAreIsolated(t *testing.T) {
	// Two managers in one process must not collide on metric registration.
	a := New(1)
	b := New(1)
	assert.NotPanics(t, func() {
		NewMetrics(a)
		NewMetrics(b)
	})
}
