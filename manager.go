package realtime

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/opencivic/realtime/cfg"
	"github.com/opencivic/realtime/event"
	"github.com/opencivic/realtime/telemetry"
	"github.com/opencivic/realtime/transport"
)

// EventHandler receives admitted change events for one subscription.
type EventHandler func(ev event.ChangeEvent)

// ErrorHandler receives subscription- or connection-level errors.
type ErrorHandler func(err error)

// ManagerConfig wires a Manager together.
type ManagerConfig struct {
	Config    *cfg.Configuration   // Required, validated at construction
	Transport transport.Transport  // Required; the single shared backend handle
	Telemetry *telemetry.Telemetry // Optional; nil disables prometheus mirrors
}

// Manager owns the shared transport handle and the connection state
// machine, and fans transport notifications out to independent,
// de-duplicated, rate-limited subscriptions.
//
// All state transitions happen inside the manager. Consumers observe them
// through Status, OnStatusChange and OnError; a listener panicking never
// prevents other listeners from running.
type Manager struct {
	conf      *cfg.Configuration
	transport transport.Transport
	telemetry *telemetry.Telemetry
	metrics   *telemetry.Metrics
	collector *telemetry.Collector

	registry  *registry
	limiter   *RateLimiter
	heartbeat *heartbeatMonitor

	reconMu      sync.Mutex
	recon        *reconnector
	reconnecting atomic.Bool

	state atomic.Int32

	listenerSeq     atomic.Uint64
	statusListeners *xsync.MapOf[uint64, func(ConnectionState)]
	errorListeners  *xsync.MapOf[uint64, ErrorHandler]

	sysMu      sync.Mutex
	sysChannel transport.Channel

	stopCh chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewManager validates the configuration, opens the system channel and
// starts the heartbeat monitor. The manager begins in CONNECTING and moves
// to CONNECTED on the first successful channel acknowledgment.
func NewManager(mc ManagerConfig) (*Manager, error) {
	if mc.Config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if mc.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := mc.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	metrics := telemetry.NewMetrics(mc.Telemetry)
	collector := telemetry.NewCollector(metrics)

	m := &Manager{
		conf:            mc.Config,
		transport:       mc.Transport,
		telemetry:       mc.Telemetry,
		metrics:         metrics,
		collector:       collector,
		limiter:         NewRateLimiter(collector),
		recon:           newReconnector(mc.Config.Reconnect),
		statusListeners: xsync.NewMapOf[uint64, func(ConnectionState)](),
		errorListeners:  xsync.NewMapOf[uint64, ErrorHandler](),
		stopCh:          make(chan struct{}),
	}
	m.registry = newRegistry(mc.Transport, metrics)
	m.heartbeat = newHeartbeatMonitor(
		time.Duration(mc.Config.Heartbeat.IntervalMS)*time.Millisecond,
		mc.Config.ClientID,
		collector,
	)

	m.state.Store(int32(StateConnecting))
	m.metrics.ConnectionState.With(StateConnecting.String()).Set(1)

	if err := m.openSystemChannel(); err != nil {
		return nil, fmt.Errorf("failed to open system channel: %w", err)
	}

	if mc.Config.Heartbeat.Enabled {
		m.heartbeat.start()
	}

	log.Info().
		Uint64("client_id", mc.Config.ClientID).
		Int("queue_depth", mc.Config.Dispatch.QueueDepth).
		Msg("Realtime connection manager initialized")

	return m, nil
}

// Subscribe registers a consumer for change events on (scopeID, table),
// optionally narrowed by a row filter expression ("column=pattern", empty
// for none). Subscribing twice with the same (scopeID, table) replaces the
// prior registration; the old channel handle is closed first.
//
// The call is synchronous and non-blocking: transport work is dispatched
// immediately and the returned unsubscribe func is valid right away.
// Unsubscribing an unknown key is a no-op.
func (m *Manager) Subscribe(scopeID, table, filter string, onEvent EventHandler, onError ErrorHandler) (func(), error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("manager is closed")
	}
	if scopeID == "" {
		return nil, fmt.Errorf("scope id is required")
	}
	if table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if onEvent == nil {
		return nil, fmt.Errorf("event handler is required")
	}

	rowFilter, err := ParseRowFilter(filter)
	if err != nil {
		return nil, err
	}

	key := subscriptionKey(scopeID, table)
	sub := &subscription{
		key:     key,
		scopeID: scopeID,
		table:   table,
		filter:  rowFilter,
		limit:   m.conf.RateLimit.EventsPerSecond,
		onEvent: onEvent,
		onError: onError,
		dedup:   NewDeduplicator(m.conf.Dedup, m.collector),
		queue:   make(chan queuedEvent, m.conf.Dispatch.QueueDepth),
		done:    make(chan struct{}),
	}

	if err := m.openChannel(sub); err != nil {
		return nil, err
	}

	m.registry.register(sub)
	go m.dispatchLoop(sub)

	log.Info().
		Str("scope", scopeID).
		Str("table", table).
		Str("filter", filter).
		Msg("Subscribed")

	return func() { m.registry.close(key) }, nil
}

// UnsubscribeAll tears down every subscription owned by scopeID. Called
// exactly once when a scope's owner (component, page, request) ends its
// lifetime; safe to call while events for that scope are mid-delivery.
func (m *Manager) UnsubscribeAll(scopeID string) {
	closed := m.registry.closeAll(scopeID)
	m.limiter.Forget(scopeID)

	if closed > 0 {
		log.Info().Str("scope", scopeID).Int("subscriptions", closed).Msg("Unsubscribed scope")
	}
}

// Status returns the current connection state.
func (m *Manager) Status() ConnectionState {
	return ConnectionState(m.state.Load())
}

// OnStatusChange registers a listener for state transitions and returns its
// remover.
func (m *Manager) OnStatusChange(listener func(state ConnectionState)) func() {
	id := m.listenerSeq.Add(1)
	m.statusListeners.Store(id, listener)
	return func() { m.statusListeners.Delete(id) }
}

// OnError registers a listener for connection-level errors and returns its
// remover.
func (m *Manager) OnError(listener ErrorHandler) func() {
	id := m.listenerSeq.Add(1)
	m.errorListeners.Store(id, listener)
	return func() { m.errorListeners.Delete(id) }
}

// MetricsSnapshot returns a copy of the current counters.
func (m *Manager) MetricsSnapshot() telemetry.Snapshot {
	return m.collector.Snapshot()
}

// ResetMetrics zeroes the counters and returns the pre-reset snapshot.
func (m *Manager) ResetMetrics() telemetry.Snapshot {
	return m.collector.Reset()
}

// SubscriptionCount returns the number of live subscriptions.
func (m *Manager) SubscriptionCount() int {
	return m.registry.len()
}

// PrometheusHandler returns the scrape endpoint handler, or nil when
// telemetry is disabled.
func (m *Manager) PrometheusHandler() http.Handler {
	return m.telemetry.Handler()
}

// Reinitialize revives a manager stuck in the terminal ERROR state: it
// restores the attempt budget and performs a clean resubscribe of every
// registered handle. ERROR is never left automatically.
func (m *Manager) Reinitialize() error {
	if m.closed.Load() {
		return fmt.Errorf("manager is closed")
	}
	if m.Status() != StateError {
		return fmt.Errorf("reinitialize is only valid in ERROR state, current state is %s", m.Status())
	}

	m.reconMu.Lock()
	m.recon.reset()
	m.reconMu.Unlock()

	m.setState(StateConnecting)

	if err := m.resubscribeAll(); err != nil {
		m.setState(StateError)
		return fmt.Errorf("reinitialize failed: %w", err)
	}

	m.setState(StateConnected)
	if m.conf.Heartbeat.Enabled {
		m.heartbeat.start()
	}

	log.Info().Msg("Manager reinitialized")
	return nil
}

// Close tears down every subscription, stops the heartbeat and closes the
// shared transport handle. The manager cannot be reused afterwards.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	close(m.stopCh)
	m.heartbeat.stop()

	m.registry.forEach(func(sub *subscription) bool {
		m.registry.close(sub.key)
		return true
	})

	m.sysMu.Lock()
	if m.sysChannel != nil {
		if err := m.transport.RemoveChannel(m.sysChannel); err != nil {
			log.Warn().Err(err).Msg("Failed to close system channel")
		}
		m.sysChannel = nil
	}
	m.sysMu.Unlock()

	m.wg.Wait()
	m.setState(StateDisconnected)

	err := m.transport.Close()
	log.Info().Msg("Realtime connection manager closed")
	return err
}

// openChannel creates and activates the transport channel for a
// subscription.
func (m *Manager) openChannel(sub *subscription) error {
	ch, err := m.transport.Channel(sub.key)
	if err != nil {
		return fmt.Errorf("failed to open channel for %s: %w", sub.key, err)
	}

	if err := ch.OnChange(sub.table, sub.filter.String(), func(ev event.ChangeEvent) {
		m.route(sub, ev)
	}); err != nil {
		if rerr := m.transport.RemoveChannel(ch); rerr != nil {
			log.Warn().Err(rerr).Str("key", sub.key).Msg("Failed to close channel after wiring error")
		}
		return fmt.Errorf("failed to register change listener for %s: %w", sub.key, err)
	}

	if err := ch.Subscribe(m.handleChannelStatus); err != nil {
		if rerr := m.transport.RemoveChannel(ch); rerr != nil {
			log.Warn().Err(rerr).Str("key", sub.key).Msg("Failed to close channel after wiring error")
		}
		return fmt.Errorf("failed to activate channel for %s: %w", sub.key, err)
	}

	sub.setChannel(ch)
	return nil
}

// openSystemChannel opens the channel used for heartbeats and as the
// primary source of connection acknowledgments.
func (m *Manager) openSystemChannel() error {
	ch, err := m.transport.Channel(m.conf.Heartbeat.Channel)
	if err != nil {
		return err
	}
	if err := ch.Subscribe(m.handleChannelStatus); err != nil {
		if rerr := m.transport.RemoveChannel(ch); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to close system channel after wiring error")
		}
		return err
	}

	m.sysMu.Lock()
	old := m.sysChannel
	m.sysChannel = ch
	m.sysMu.Unlock()

	if old != nil {
		if err := m.transport.RemoveChannel(old); err != nil {
			log.Warn().Err(err).Msg("Failed to close previous system channel")
		}
	}

	m.heartbeat.setChannel(ch)
	return nil
}

// route runs on the transport callback path: filter, admit, de-duplicate,
// then hand off to the subscription's dispatch queue. A rejected event
// never reaches application code.
func (m *Manager) route(sub *subscription, ev event.ChangeEvent) {
	if sub.closed.Load() {
		return
	}

	if !sub.filter.Match(ev) {
		return
	}

	if !m.limiter.ShouldAdmit(sub.scopeID, sub.limit) {
		log.Debug().Str("scope", sub.scopeID).Str("table", ev.Table).Msg("Event rate limited")
		return
	}

	if sub.dedup.IsDuplicate(ev.Table, ev.Kind, ev.RecordID) {
		log.Debug().
			Str("table", ev.Table).
			Str("op", ev.Kind.String()).
			Str("record", ev.RecordID).
			Msg("Duplicate event dropped")
		return
	}

	if !sub.enqueue(queuedEvent{ev: ev, received: time.Now()}) {
		if !sub.closed.Load() {
			m.metrics.DispatchDroppedTotal.Inc()
			log.Warn().Str("key", sub.key).Msg("Subscription queue full, event dropped")
		}
	}
}

// dispatchLoop delivers queued events to the consumer callback, one
// subscription per goroutine, preserving order within the subscription and
// isolating slow or panicking consumers.
func (m *Manager) dispatchLoop(sub *subscription) {
	defer close(sub.done)

	for q := range sub.queue {
		// Drain without delivering once the subscription is closed: the
		// handle may already be invalid.
		if sub.closed.Load() {
			continue
		}
		m.deliver(sub, q)
	}
}

func (m *Manager) deliver(sub *subscription, q queuedEvent) {
	m.collector.Record(q.ev.Kind.String(), q.ev.Table, time.Since(q.received))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("consumer callback panicked: %v", r)
			log.Error().
				Str("key", sub.key).
				Str("table", q.ev.Table).
				Interface("panic", r).
				Msg("Consumer callback panicked")
			if sub.onError != nil {
				m.safeErrorCallback(sub.onError, err)
			}
		}
	}()

	sub.onEvent(q.ev)
}

func (m *Manager) safeErrorCallback(handler ErrorHandler, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Error callback panicked")
		}
	}()
	handler(err)
}

// handleChannelStatus receives channel-level transitions from the
// transport and drives the connection state machine.
func (m *Manager) handleChannelStatus(status transport.Status, cause error) {
	if m.closed.Load() {
		return
	}

	switch status {
	case transport.StatusSubscribed:
		// First acknowledgment completes the initial connect; during a
		// reconnect the loop itself declares success.
		if m.Status() == StateConnecting && !m.reconnecting.Load() {
			m.setState(StateConnected)
		}

	case transport.StatusChannelError, transport.StatusTimedOut:
		if cause == nil {
			cause = fmt.Errorf("transport reported %s", status)
		}
		switch m.Status() {
		case StateConnected, StateConnecting:
			m.beginReconnect(cause)
		}

	case transport.StatusClosed:
		// Closures are initiated by this layer during teardown and
		// resubscribes; nothing to do.
	}
}

// beginReconnect starts the backoff-driven recovery loop. Only one loop
// runs at a time.
func (m *Manager) beginReconnect(cause error) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}

	log.Warn().Err(cause).Msg("Transport connection lost, reconnecting")
	m.setState(StateReconnecting)

	m.wg.Add(1)
	go m.reconnectLoop(cause)
}

func (m *Manager) reconnectLoop(cause error) {
	defer m.wg.Done()

	for {
		m.reconMu.Lock()
		exhausted := m.recon.exhausted()
		var delay time.Duration
		if !exhausted {
			delay = m.recon.nextDelay()
		}
		m.reconMu.Unlock()

		if exhausted {
			m.reconnecting.Store(false)
			m.fail(fmt.Errorf("reconnection failed after %d attempts: %w", m.conf.Reconnect.MaxAttempts, cause))
			return
		}

		m.collector.RecordReconnectAttempt()
		log.Info().Dur("delay", delay).Msg("Scheduling reconnection attempt")

		if !m.sleep(delay) {
			m.reconnecting.Store(false)
			return
		}

		if err := m.resubscribeAll(); err != nil {
			log.Warn().Err(err).Msg("Reconnection attempt failed")
			cause = err
			continue
		}

		m.reconMu.Lock()
		m.recon.reset()
		m.reconMu.Unlock()

		m.collector.RecordReconnectSuccess()
		m.reconnecting.Store(false)
		m.setState(StateConnected)
		log.Info().Msg("Reconnected")
		return
	}
}

// resubscribeAll closes and recreates every registry handle — a clean redo
// rather than an incremental patch, which keeps the bookkeeping simple for
// the small number of concurrently open subscriptions.
func (m *Manager) resubscribeAll() error {
	if err := m.openSystemChannel(); err != nil {
		return fmt.Errorf("failed to reopen system channel: %w", err)
	}

	var firstErr error
	m.registry.forEach(func(sub *subscription) bool {
		if old := sub.channelHandle(); old != nil {
			if err := m.transport.RemoveChannel(old); err != nil {
				log.Warn().Err(err).Str("key", sub.key).Msg("Failed to close stale channel")
			}
			sub.setChannel(nil)
		}

		if err := m.openChannel(sub); err != nil {
			firstErr = err
			return false
		}
		return true
	})

	return firstErr
}

// fail moves the manager into the terminal ERROR state and surfaces the
// cause to error listeners.
func (m *Manager) fail(err error) {
	m.setState(StateError)
	m.heartbeat.stop()

	log.Error().Err(err).Msg("Realtime connection entered ERROR state")

	m.errorListeners.Range(func(_ uint64, listener ErrorHandler) bool {
		m.safeErrorCallback(listener, err)
		return true
	})
}

// setState performs a state transition and notifies status listeners.
// Listener failures are isolated so one bad listener cannot starve the
// rest.
func (m *Manager) setState(state ConnectionState) {
	old := ConnectionState(m.state.Swap(int32(state)))
	if old == state {
		return
	}

	log.Info().
		Str("from", old.String()).
		Str("to", state.String()).
		Msg("Connection state changed")

	m.metrics.ConnectionState.With(old.String()).Set(0)
	m.metrics.ConnectionState.With(state.String()).Set(1)
	m.collector.MarkConnected(state == StateConnected)

	m.statusListeners.Range(func(_ uint64, listener func(ConnectionState)) bool {
		m.safeStatusCallback(listener, state)
		return true
	})
}

func (m *Manager) safeStatusCallback(listener func(ConnectionState), state ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Status listener panicked")
		}
	}()
	listener(state)
}

// sleep waits for d unless the manager is closed first.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-m.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
