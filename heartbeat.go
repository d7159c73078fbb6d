package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opencivic/realtime/telemetry"
	"github.com/opencivic/realtime/transport"
)

const heartbeatSubject = "heartbeat"

// heartbeatPayload is the liveness broadcast body.
type heartbeatPayload struct {
	ClientID uint64 `msgpack:"client"`
	SentAt   int64  `msgpack:"ts"` // unix ms
}

// heartbeatMonitor periodically broadcasts a liveness ping over the
// transport and stamps the collector. It exists for observability only —
// detecting silently stalled connections — and never drives reconnection;
// recovery stays with the manager's reconnect loop, fed by transport
// status callbacks.
type heartbeatMonitor struct {
	interval  time.Duration
	clientID  uint64
	collector *telemetry.Collector

	chanMu  sync.Mutex
	channel transport.Channel

	running     atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	lifecycleMu sync.Mutex
}

func newHeartbeatMonitor(interval time.Duration, clientID uint64, collector *telemetry.Collector) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval:  interval,
		clientID:  clientID,
		collector: collector,
	}
}

// setChannel swaps the broadcast channel; used when the manager reopens the
// system channel during a reconnect.
func (h *heartbeatMonitor) setChannel(ch transport.Channel) {
	h.chanMu.Lock()
	h.channel = ch
	h.chanMu.Unlock()
}

func (h *heartbeatMonitor) start() {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.running.Load() {
		return
	}

	h.running.Store(true)
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.loop()
}

func (h *heartbeatMonitor) stop() {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if !h.running.Load() {
		return
	}

	close(h.stopCh)
	<-h.doneCh
	h.running.Store(false)
}

func (h *heartbeatMonitor) loop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *heartbeatMonitor) beat() {
	h.chanMu.Lock()
	ch := h.channel
	h.chanMu.Unlock()

	if ch == nil {
		return
	}

	payload, err := transport.Marshal(heartbeatPayload{
		ClientID: h.clientID,
		SentAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode heartbeat payload")
		return
	}

	if err := ch.Send(heartbeatSubject, payload); err != nil {
		log.Warn().Err(err).Msg("Failed to send heartbeat")
		return
	}

	h.collector.RecordHeartbeat()
}
