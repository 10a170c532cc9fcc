package broker

import (
	"context"
	"sync"

	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
)

// Memory is the in-process Broker: a keyed multicast table with synchronous
// fan-out. Suitable for single-replica deployments and tests.
type Memory struct {
	mu sync.RWMutex

	// listeners maps key -> subscription id -> handler.
	listeners map[string]map[int64]Handler

	// patterns maps channel -> subscription id -> handler.
	patterns map[protocol.Channel]map[int64]PatternHandler

	nextID int64
	closed bool
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		listeners: make(map[string]map[int64]Handler),
		patterns:  make(map[protocol.Channel]map[int64]PatternHandler),
	}
}

// Publish delivers payload synchronously to every exact-key listener and
// every pattern listener of the channel.
func (m *Memory) Publish(_ context.Context, channel protocol.Channel, instanceID string, payload []byte) error {
	m.deliverExact(channel, instanceID, payload)
	m.deliverPattern(channel, instanceID, payload)
	return nil
}

// deliverExact fans payload out to exact-key listeners only. Handlers are
// invoked outside the lock so a re-entrant Subscribe or Unsubscribe inside a
// handler cannot deadlock. The Redis broker calls this directly to route
// remote traffic without double-delivering to pattern listeners.
func (m *Memory) deliverExact(channel protocol.Channel, instanceID string, payload []byte) {
	key := Key(channel, instanceID)

	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.listeners[key]))
	for _, fn := range m.listeners[key] {
		handlers = append(handlers, fn)
	}
	m.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// deliverPattern fans payload out to pattern listeners of the channel only.
func (m *Memory) deliverPattern(channel protocol.Channel, instanceID string, payload []byte) {
	m.mu.RLock()
	patternHandlers := make([]PatternHandler, 0, len(m.patterns[channel]))
	for _, fn := range m.patterns[channel] {
		patternHandlers = append(patternHandlers, fn)
	}
	m.mu.RUnlock()

	for _, fn := range patternHandlers {
		fn(instanceID, payload)
	}
}

// Subscribe registers a listener for one (channel, instanceID) key and
// returns its idempotent disposer.
func (m *Memory) Subscribe(_ context.Context, channel protocol.Channel, instanceID string, fn Handler) (UnsubscribeFunc, error) {
	key := Key(channel, instanceID)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.listeners[key] == nil {
		m.listeners[key] = make(map[int64]Handler)
	}
	m.listeners[key][id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() error {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners[key], id)
			if len(m.listeners[key]) == 0 {
				delete(m.listeners, key)
			}
			m.mu.Unlock()
		})
		return nil
	}, nil
}

// SubscribeAll registers a listener for one channel across all instances.
func (m *Memory) SubscribeAll(_ context.Context, channel protocol.Channel, fn PatternHandler) (UnsubscribeFunc, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.patterns[channel] == nil {
		m.patterns[channel] = make(map[int64]PatternHandler)
	}
	m.patterns[channel][id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() error {
		once.Do(func() {
			m.mu.Lock()
			delete(m.patterns[channel], id)
			if len(m.patterns[channel]) == 0 {
				delete(m.patterns, channel)
			}
			m.mu.Unlock()
		})
		return nil
	}, nil
}

// Close drops every listener. Publishes after Close reach nobody.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.listeners = make(map[string]map[int64]Handler)
	m.patterns = make(map[protocol.Channel]map[int64]PatternHandler)
	m.closed = true
	m.mu.Unlock()
	return nil
}
