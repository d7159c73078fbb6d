package realtime

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/opencivic/realtime/event"
	"github.com/opencivic/realtime/telemetry"
	"github.com/opencivic/realtime/transport"
)

// subscriptionKey derives the registry key for a (scope, table) pair. The
// separator makes scope-prefix matching exact: closing "s1" can never touch
// "s10/votes".
func subscriptionKey(scopeID, table string) string {
	return scopeID + "/" + table
}

type queuedEvent struct {
	ev       event.ChangeEvent
	received time.Time
}

// subscription is one live (scope, table) registration: the transport
// channel handle, the consumer callbacks, the per-subscription dedup stage
// and the bounded dispatch queue.
type subscription struct {
	key     string
	scopeID string
	table   string
	filter  *RowFilter
	limit   int

	onEvent func(event.ChangeEvent)
	onError func(error)

	dedup *Deduplicator
	queue chan queuedEvent
	done  chan struct{}

	closed atomic.Bool
	sendMu sync.Mutex // serializes enqueue against queue close

	chanMu  sync.Mutex
	channel transport.Channel
}

// enqueue hands an event to the dispatch queue. Returns false when the
// subscription is closed or the queue is full; a full queue drops the event
// so a slow consumer cannot stall the transport callback.
func (s *subscription) enqueue(q queuedEvent) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed.Load() {
		return false
	}

	select {
	case s.queue <- q:
		return true
	default:
		return false
	}
}

// closeQueue marks the subscription closed and closes the dispatch queue
// exactly once. Safe to call while a delivery is in flight: enqueue and
// closeQueue share sendMu, and the dispatch loop re-checks closed before
// invoking the consumer.
func (s *subscription) closeQueue() {
	s.sendMu.Lock()
	if !s.closed.Swap(true) {
		close(s.queue)
	}
	s.sendMu.Unlock()
}

func (s *subscription) setChannel(ch transport.Channel) {
	s.chanMu.Lock()
	s.channel = ch
	s.chanMu.Unlock()
}

func (s *subscription) channelHandle() transport.Channel {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	return s.channel
}

// registry maps subscription keys to live channel handles and guarantees at
// most one live handle per key.
type registry struct {
	transport transport.Transport
	entries   *xsync.MapOf[string, *subscription]
	metrics   *telemetry.Metrics
}

func newRegistry(tr transport.Transport, metrics *telemetry.Metrics) *registry {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &registry{
		transport: tr,
		entries:   xsync.NewMapOf[string, *subscription](),
		metrics:   metrics,
	}
}

// register stores a subscription under its key. A prior registration for
// the same key is torn down first so duplicate subscribes replace instead
// of stacking deliveries or leaking channels.
func (r *registry) register(sub *subscription) {
	if prior, ok := r.entries.LoadAndStore(sub.key, sub); ok && prior != sub {
		log.Debug().Str("key", sub.key).Msg("Replacing existing subscription")
		r.teardown(prior)
	}
	r.metrics.ActiveSubscriptions.Set(float64(r.len()))
}

// close removes and tears down the subscription for key. Unknown keys are a
// no-op and return false.
func (r *registry) close(key string) bool {
	sub, ok := r.entries.LoadAndDelete(key)
	if !ok {
		return false
	}
	r.teardown(sub)
	r.metrics.ActiveSubscriptions.Set(float64(r.len()))
	return true
}

// closeAll removes every subscription owned by scopeID and returns how many
// were closed. Other scopes' entries stay live.
func (r *registry) closeAll(scopeID string) int {
	prefix := scopeID + "/"
	closed := 0

	r.entries.Range(func(key string, sub *subscription) bool {
		if strings.HasPrefix(key, prefix) {
			if _, ok := r.entries.LoadAndDelete(key); ok {
				r.teardown(sub)
				closed++
			}
		}
		return true
	})

	if closed > 0 {
		r.metrics.ActiveSubscriptions.Set(float64(r.len()))
	}
	return closed
}

// teardown closes the dispatch queue and releases the transport channel.
// Channel close failures are logged and swallowed: the bookkeeping entry is
// already gone, so a failed close can never leave a stuck registration.
func (r *registry) teardown(sub *subscription) {
	sub.closeQueue()

	if ch := sub.channelHandle(); ch != nil {
		if err := r.transport.RemoveChannel(ch); err != nil {
			log.Warn().Err(err).Str("key", sub.key).Msg("Failed to close transport channel")
		}
	}
}

func (r *registry) get(key string) (*subscription, bool) {
	return r.entries.Load(key)
}

func (r *registry) len() int {
	return r.entries.Size()
}

// forEach visits every live subscription.
func (r *registry) forEach(fn func(sub *subscription) bool) {
	r.entries.Range(func(_ string, sub *subscription) bool {
		return fn(sub)
	})
}
