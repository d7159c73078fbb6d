package transport

import (
	"fmt"
	"strings"
	"sync"

	"github.com/opencivic/realtime/event"
)

// MockMessage records a broadcast sent through a mock channel.
type MockMessage struct {
	Subject string
	Payload []byte
}

// MockTransport is an in-memory Transport for tests. Tests deliver events
// and fire status transitions directly on the channels it hands out.
type MockTransport struct {
	mu         sync.Mutex
	channels   []*MockChannel
	channelErr error
	removeErr  error
	closed     bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// SetChannelErr makes subsequent Channel calls fail (nil clears).
func (t *MockTransport) SetChannelErr(err error) {
	t.mu.Lock()
	t.channelErr = err
	t.mu.Unlock()
}

// SetRemoveErr makes subsequent RemoveChannel calls return err while still
// marking the channel closed.
func (t *MockTransport) SetRemoveErr(err error) {
	t.mu.Lock()
	t.removeErr = err
	t.mu.Unlock()
}

func (t *MockTransport) Channel(name string) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.channelErr != nil {
		return nil, t.channelErr
	}

	ch := &MockChannel{name: name}
	t.channels = append(t.channels, ch)
	return ch, nil
}

func (t *MockTransport) RemoveChannel(ch Channel) error {
	mc, ok := ch.(*MockChannel)
	if !ok {
		return fmt.Errorf("channel does not belong to this transport")
	}
	mc.markClosed()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeErr
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *MockTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CreateCount returns how many channels were opened in total.
func (t *MockTransport) CreateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Latest returns the most recently opened channel whose name starts with
// prefix, or nil.
func (t *MockTransport) Latest(prefix string) *MockChannel {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.channels) - 1; i >= 0; i-- {
		if strings.HasPrefix(t.channels[i].name, prefix) {
			return t.channels[i]
		}
	}
	return nil
}

// All returns every channel opened so far.
func (t *MockTransport) All() []*MockChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*MockChannel{}, t.channels...)
}

// MockChannel is the in-memory Channel handed out by MockTransport.
type MockChannel struct {
	name string

	mu             sync.Mutex
	changeHandlers map[string][]ChangeHandler
	filters        map[string]string
	statusHandlers []StatusHandler
	sent           []MockMessage
	closed         bool

	OnChangeErr  error
	SubscribeErr error
	SendErr      error
}

func (c *MockChannel) Name() string {
	return c.name
}

func (c *MockChannel) OnChange(table, filter string, handler ChangeHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.OnChangeErr != nil {
		return c.OnChangeErr
	}
	if c.changeHandlers == nil {
		c.changeHandlers = make(map[string][]ChangeHandler)
		c.filters = make(map[string]string)
	}
	c.changeHandlers[table] = append(c.changeHandlers[table], handler)
	c.filters[table] = filter
	return nil
}

func (c *MockChannel) Subscribe(onStatus StatusHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.statusHandlers = append(c.statusHandlers, onStatus)
	return nil
}

func (c *MockChannel) Send(subject string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, MockMessage{Subject: subject, Payload: payload})
	return nil
}

// Deliver invokes the registered change handlers for a table, simulating a
// transport notification. Delivery is synchronous, mirroring a broker
// callback thread.
func (c *MockChannel) Deliver(table string, ev event.ChangeEvent) {
	c.mu.Lock()
	handlers := append([]ChangeHandler{}, c.changeHandlers[table]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// FireStatus invokes the registered status handlers.
func (c *MockChannel) FireStatus(status Status, err error) {
	c.mu.Lock()
	handlers := append([]StatusHandler{}, c.statusHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(status, err)
	}
}

// Filter returns the filter expression registered for a table.
func (c *MockChannel) Filter(table string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters[table]
}

// Sent returns all broadcasts sent through this channel.
func (c *MockChannel) Sent() []MockMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MockMessage{}, c.sent...)
}

func (c *MockChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockChannel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
