package realtime

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opencivic/realtime/cfg"
	"github.com/opencivic/realtime/event"
	"github.com/opencivic/realtime/telemetry"
)

// dedupHorizonFactor bounds how long a seen key is retained relative to the
// dedup window. Entries beyond the horizon only matter for memory, never
// for correctness: an evicted key re-admits a duplicate (false negative),
// which the at-least-once contract already tolerates.
const dedupHorizonFactor = 10

// Deduplicator suppresses repeat deliveries of the same logical event
// within a bounded recent window. Keys are (table, kind, recordID); values
// are last-seen timestamps. The store is a fixed-capacity LRU with a TTL at
// the retention horizon, so memory stays bounded without a sweep timer.
//
// Distinct record ids hash to distinct keys; the store never drops a
// genuinely new event.
type Deduplicator struct {
	window    time.Duration
	seen      *expirable.LRU[uint64, time.Time]
	collector *telemetry.Collector

	now func() time.Time
}

// NewDeduplicator creates a deduplicator from validated configuration.
func NewDeduplicator(config cfg.DedupConfiguration, collector *telemetry.Collector) *Deduplicator {
	window := time.Duration(config.WindowMS) * time.Millisecond
	return &Deduplicator{
		window:    window,
		seen:      expirable.NewLRU[uint64, time.Time](config.MaxEntries, nil, window*dedupHorizonFactor),
		collector: collector,
		now:       time.Now,
	}
}

// IsDuplicate reports whether the identical (table, kind, recordID) event
// was already processed within the window. On a false result the key's
// last-seen timestamp is refreshed, so the call both checks and marks.
func (d *Deduplicator) IsDuplicate(table string, kind event.Kind, recordID string) bool {
	key := event.DedupKey(table, kind, recordID)
	now := d.now()

	if last, ok := d.seen.Get(key); ok && now.Sub(last) < d.window {
		d.collector.RecordDeduplicated()
		return true
	}

	d.seen.Add(key, now)
	return false
}

// Len returns the number of tracked keys.
func (d *Deduplicator) Len() int {
	return d.seen.Len()
}
