// Package transport defines the channel-based pub/sub primitives the
// realtime layer consumes, plus a NATS-backed implementation and a mock
// for tests. Delivery is at-least-once: order is preserved within a key,
// no ordering is guaranteed across keys, and duplicates are possible.
package transport

import (
	"github.com/opencivic/realtime/event"
)

// Status reports channel-level lifecycle transitions.
type Status int

const (
	StatusSubscribed Status = iota
	StatusChannelError
	StatusTimedOut
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ChangeHandler receives decoded change notifications.
type ChangeHandler func(ev event.ChangeEvent)

// StatusHandler receives channel status transitions. err is non-nil for
// CHANNEL_ERROR and TIMED_OUT when a cause is known.
type StatusHandler func(status Status, err error)

// Channel is one logical subscription scope on the transport.
type Channel interface {
	// Name returns the channel name it was opened with.
	Name() string

	// OnChange registers a change listener for a table. The filter
	// expression is passed through for transports that support server-side
	// filtering; subject-based transports ignore it and the core re-checks
	// filters locally.
	OnChange(table, filter string, handler ChangeHandler) error

	// Subscribe activates the channel and registers a status listener.
	Subscribe(onStatus StatusHandler) error

	// Send publishes a broadcast payload on the channel (liveness pings).
	Send(subject string, payload []byte) error
}

// Transport is the shared pub/sub backend handle. Only the connection
// manager opens and closes it.
type Transport interface {
	// Channel opens a channel with the given name.
	Channel(name string) (Channel, error)

	// RemoveChannel releases the channel's transport resources.
	RemoveChannel(ch Channel) error

	// Close releases the transport connection.
	Close() error
}
