package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/opencivic/realtime/telemetry"
	"github.com/opencivic/realtime/transport"
)

func TestHeartbeatBeatBroadcastsAndStamps(t *testing.T) {
	tr := transport.NewMockTransport()
	ch, err := tr.Channel("system")
	require.NoError(t, err)

	collector := telemetry.NewCollector(nil)
	h := newHeartbeatMonitor(30*time.Second, 42, collector)
	h.setChannel(ch)

	before := time.Now()
	h.beat()

	sent := ch.(*transport.MockChannel).Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "heartbeat", sent[0].Subject)

	var payload heartbeatPayload
	require.NoError(t, msgpack.Unmarshal(sent[0].Payload, &payload))
	assert.Equal(t, uint64(42), payload.ClientID)
	assert.GreaterOrEqual(t, payload.SentAt, before.UnixMilli())

	snap := collector.Snapshot()
	assert.False(t, snap.LastHeartbeat.IsZero())
}

func TestHeartbeatBeatWithoutChannelIsNoop(t *testing.T) {
	collector := telemetry.NewCollector(nil)
	h := newHeartbeatMonitor(30*time.Second, 42, collector)

	h.beat()
	assert.True(t, collector.Snapshot().LastHeartbeat.IsZero())
}

func TestHeartbeatSendFailureDoesNotStamp(t *testing.T) {
	tr := transport.NewMockTransport()
	ch, err := tr.Channel("system")
	require.NoError(t, err)
	ch.(*transport.MockChannel).SendErr = assert.AnError

	collector := telemetry.NewCollector(nil)
	h := newHeartbeatMonitor(30*time.Second, 42, collector)
	h.setChannel(ch)

	h.beat()
	assert.True(t, collector.Snapshot().LastHeartbeat.IsZero())
}

func TestHeartbeatLoopLifecycle(t *testing.T) {
	tr := transport.NewMockTransport()
	ch, err := tr.Channel("system")
	require.NoError(t, err)
	mock := ch.(*transport.MockChannel)

	h := newHeartbeatMonitor(5*time.Millisecond, 42, telemetry.NewCollector(nil))
	h.setChannel(ch)

	h.start()
	h.start() // idempotent

	assert.Eventually(t, func() bool {
		return len(mock.Sent()) >= 2
	}, 2*time.Second, time.Millisecond)

	h.stop()
	h.stop() // idempotent

	n := len(mock.Sent())
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, n, len(mock.Sent()), "no beats after stop")

	// Restart works after a stop.
	h.start()
	assert.Eventually(t, func() bool {
		return len(mock.Sent()) > n
	}, 2*time.Second, time.Millisecond)
	h.stop()
}
