package realtime

import (
	"math/rand"
	"time"

	"github.com/opencivic/realtime/cfg"
)

// reconnector computes the backoff schedule for reconnection attempts:
// delay = min(base * 2^attempt + random(0, jitter), max), capped at
// maxAttempts consecutive failures. The jitter spreads simultaneous clients
// so a broker restart does not produce a synchronized retry storm.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      time.Duration
	maxAttempts int

	attempt int
	rng     *rand.Rand
}

func newReconnector(config cfg.ReconnectConfiguration) *reconnector {
	return &reconnector{
		baseDelay:   time.Duration(config.BaseDelayMS) * time.Millisecond,
		maxDelay:    time.Duration(config.MaxDelayMS) * time.Millisecond,
		jitter:      time.Duration(config.JitterMS) * time.Millisecond,
		maxAttempts: config.MaxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// exhausted reports whether the attempt budget is spent.
func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

// nextDelay returns the delay before the next attempt and consumes one
// attempt from the budget.
func (r *reconnector) nextDelay() time.Duration {
	delay := r.baseDelay << uint(r.attempt)
	// Guard the shift: past the cap (or on overflow) the exact exponent no
	// longer matters.
	if delay <= 0 || delay > r.maxDelay {
		delay = r.maxDelay
	}

	if r.jitter > 0 {
		delay += time.Duration(r.rng.Int63n(int64(r.jitter)))
	}
	if delay > r.maxDelay {
		delay = r.maxDelay
	}

	r.attempt++
	return delay
}

// reset restores the full attempt budget after a successful reconnect.
func (r *reconnector) reset() {
	r.attempt = 0
}
