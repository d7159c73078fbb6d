// Package event defines the change notification model shared between the
// transport adapters and the realtime distribution core.
package event

import (
	"github.com/cespare/xxhash/v2"
)

// Kind identifies the type of row change carried by an event.
type Kind uint8

const (
	KindInsert Kind = 0
	KindUpdate Kind = 1
	KindDelete Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent is a single transport notification for a row change.
// Events are immutable once received; downstream stages never mutate them.
type ChangeEvent struct {
	Kind     Kind           `msgpack:"op"`            // 0=INSERT, 1=UPDATE, 2=DELETE
	Table    string         `msgpack:"tbl"`           // Source table name
	RecordID string         `msgpack:"id"`            // Primary key of the changed row
	Old      map[string]any `msgpack:"old,omitempty"` // Pre-image (UPDATE, DELETE)
	New      map[string]any `msgpack:"new,omitempty"` // Post-image (INSERT, UPDATE)
	CommitTS int64          `msgpack:"ts"`            // Transport-assigned commit timestamp (unix ms)
}

// Record returns the image row filters should evaluate against:
// the post-image when present, otherwise the pre-image (DELETE events).
func (e ChangeEvent) Record() map[string]any {
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}

// DedupKey hashes the (table, kind, recordID) tuple into the key used by
// the deduplication stage. xxhash keeps the dedup store at fixed-size keys
// instead of retaining concatenated strings.
func DedupKey(table string, kind Kind, recordID string) uint64 {
	var h xxhash.Digest
	_, _ = h.WriteString(table)
	_, _ = h.Write([]byte{0, byte(kind), 0})
	_, _ = h.WriteString(recordID)
	return h.Sum64()
}
