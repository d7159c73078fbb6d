package transport

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/opencivic/realtime/cfg"
	"github.com/opencivic/realtime/event"
)

// zstd frame magic, used to detect compressed payloads on receive so mixed
// fleets (compressing and non-compressing publishers) interoperate.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// NATS implements Transport over a NATS connection. Channels map to
// subject prefixes: changes arrive on "<prefix>.<channel>.<table>" and
// broadcasts go out on "<prefix>.<channel>.<subject>".
type NATS struct {
	nc     *nats.Conn
	prefix string

	encoder *zstd.Encoder // nil when compression is disabled
	decoder *zstd.Decoder

	mu       sync.Mutex
	channels map[*natsChannel]struct{}
}

// NewNATS connects to the broker and returns the transport handle.
// The connection itself retries transparently; channel status handlers are
// still told about drops so the layer above can run its own clean
// resubscribe.
func NewNATS(config cfg.NATSConfiguration) (*NATS, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("NATS transport requires a URL")
	}
	if config.SubjectPrefix == "" {
		return nil, fmt.Errorf("NATS transport requires a subject prefix")
	}

	t := &NATS{
		prefix:   config.SubjectPrefix,
		channels: make(map[*natsChannel]struct{}),
	}

	if config.CompressionLevel > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(configLevelToZstd(config.CompressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		t.encoder = enc
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	t.decoder = dec

	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.fanOutStatus(StatusTimedOut, err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.fanOutStatus(StatusSubscribed, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			t.fanOutStatus(StatusChannelError, err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.fanOutStatus(StatusClosed, nil)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.nc = nc

	log.Info().Str("url", config.URL).Str("prefix", config.SubjectPrefix).Msg("NATS transport connected")
	return t, nil
}

// Channel opens a channel scoped to "<prefix>.<name>".
func (t *NATS) Channel(name string) (Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("channel name is required")
	}
	if t.nc.IsClosed() {
		return nil, fmt.Errorf("transport connection is closed")
	}

	ch := &natsChannel{
		transport: t,
		name:      name,
	}

	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	return ch, nil
}

// RemoveChannel drains the channel's subscriptions and drops its status
// listeners. Unsubscribe failures are reported but bookkeeping is removed
// regardless.
func (t *NATS) RemoveChannel(ch Channel) error {
	nch, ok := ch.(*natsChannel)
	if !ok {
		return fmt.Errorf("channel does not belong to this transport")
	}

	t.mu.Lock()
	delete(t.channels, nch)
	t.mu.Unlock()

	return nch.close()
}

// Close releases the broker connection.
func (t *NATS) Close() error {
	t.mu.Lock()
	for ch := range t.channels {
		delete(t.channels, ch)
	}
	t.mu.Unlock()

	t.nc.Close()
	return nil
}

func (t *NATS) fanOutStatus(status Status, err error) {
	t.mu.Lock()
	channels := make([]*natsChannel, 0, len(t.channels))
	for ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		ch.notifyStatus(status, err)
	}
}

func (t *NATS) encode(payload []byte) []byte {
	if t.encoder == nil {
		return payload
	}
	return t.encoder.EncodeAll(payload, nil)
}

func (t *NATS) decode(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, zstdMagic) {
		return payload, nil
	}
	return t.decoder.DecodeAll(payload, nil)
}

type natsChannel struct {
	transport *NATS
	name      string

	mu             sync.Mutex
	subs           []*nats.Subscription
	statusHandlers []StatusHandler
	closed         bool
}

func (c *natsChannel) Name() string {
	return c.name
}

// OnChange subscribes to "<prefix>.<channel>.<table>" and decodes msgpack
// change payloads. The filter expression cannot be pushed down to a
// subject-based broker; it is recorded for logging only.
func (c *natsChannel) OnChange(table, filter string, handler ChangeHandler) error {
	if table == "" {
		return fmt.Errorf("table is required")
	}

	subject := fmt.Sprintf("%s.%s.%s", c.transport.prefix, c.name, table)
	sub, err := c.transport.nc.Subscribe(subject, func(msg *nats.Msg) {
		data, err := c.transport.decode(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to decompress change payload")
			return
		}

		var ev event.ChangeEvent
		if err := unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to decode change payload")
			return
		}
		if ev.CommitTS == 0 {
			ev.CommitTS = time.Now().UnixMilli()
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	if filter != "" {
		log.Debug().Str("subject", subject).Str("filter", filter).
			Msg("Row filter is evaluated client-side; no server-side push-down on NATS")
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return nil
}

// Subscribe registers a status listener. The initial state is reported
// asynchronously so callers can finish wiring before the first callback.
func (c *natsChannel) Subscribe(onStatus StatusHandler) error {
	if onStatus == nil {
		return fmt.Errorf("status handler is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel %s is closed", c.name)
	}
	c.statusHandlers = append(c.statusHandlers, onStatus)
	c.mu.Unlock()

	status := StatusSubscribed
	var cause error
	if !c.transport.nc.IsConnected() {
		status = StatusChannelError
		cause = fmt.Errorf("broker connection unavailable")
	}
	go onStatus(status, cause)

	return nil
}

func (c *natsChannel) Send(subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("subject is required")
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("channel %s is closed", c.name)
	}

	full := fmt.Sprintf("%s.%s.%s", c.transport.prefix, c.name, subject)
	return c.transport.nc.Publish(full, c.transport.encode(payload))
}

func (c *natsChannel) notifyStatus(status Status, err error) {
	c.mu.Lock()
	handlers := append([]StatusHandler{}, c.statusHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(status, err)
	}
}

func (c *natsChannel) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.statusHandlers = nil
	c.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// unmarshal decodes msgpack with loose interface decoding so map values
// come back as strings instead of []byte where possible.
func unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// Marshal encodes a value to the transport wire format. Exposed so event
// producers (and tests) share one codec with the consuming side.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
