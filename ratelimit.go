package realtime

import (
	"sync"
	"time"

	"github.com/opencivic/realtime/telemetry"
)

// rateLimitWindow is the fixed admission window. A fixed window (rather
// than a token bucket) is intentional: the protected resource is a UI
// consumer, so bursts up to the window size are fine and smoothing is not
// required.
const rateLimitWindow = time.Second

type rateWindow struct {
	count       int
	windowStart time.Time
}

// RateLimiter applies fixed-window admission control per logical scope.
// Window resets are lazy: computed on the next admission check, not driven
// by a timer.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	collector *telemetry.Collector

	now func() time.Time
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(collector *telemetry.Collector) *RateLimiter {
	return &RateLimiter{
		windows:   make(map[string]*rateWindow),
		collector: collector,
		now:       time.Now,
	}
}

// ShouldAdmit checks one event against the scope's budget for the current
// window, counting the event on admission. A limit of 0 (or below) always
// rejects; there is no "unlimited" sentinel.
func (l *RateLimiter) ShouldAdmit(scope string, limitPerSecond int) bool {
	if limitPerSecond <= 0 {
		l.collector.RecordRateLimited()
		return false
	}

	now := l.now()

	l.mu.Lock()
	w, ok := l.windows[scope]
	if !ok {
		w = &rateWindow{windowStart: now}
		l.windows[scope] = w
	}

	if now.Sub(w.windowStart) >= rateLimitWindow {
		w.windowStart = now
		w.count = 0
	}

	if w.count >= limitPerSecond {
		l.mu.Unlock()
		l.collector.RecordRateLimited()
		return false
	}

	w.count++
	l.mu.Unlock()
	return true
}

// Forget drops the window state for a scope; called when a scope's
// subscriptions are torn down so stale windows do not accumulate.
func (l *RateLimiter) Forget(scope string) {
	l.mu.Lock()
	delete(l.windows, scope)
	l.mu.Unlock()
}
