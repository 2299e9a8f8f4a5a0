package network

import (
	"context"
	"sync"
)

type memorySub struct {
	filter string
	ch     chan Message
}

// MemoryPubSub is a process-local transport used for development and tests.
// Subscriptions accept MQTT-style wildcard filters.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[int]*memorySub)}
}

// Dialer returns a Dialer that always hands out this instance, so several
// sessions (and a simulated device) can share one in-process broker.
func (m *MemoryPubSub) Dialer() Dialer {
	return func(_ context.Context, _ Credentials) (PubSub, error) {
		return &memoryHandle{bus: m}, nil
	}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, sub := range m.subs {
		if !Match(sub.filter, topic) {
			continue
		}
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, 64)
	m.subs[id] = &memorySub{filter: topic, ch: ch}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.ch)
	}
	m.closed = true
	return nil
}

// memoryHandle is one connection to a shared MemoryPubSub. Closing it only
// releases the subscriptions made through it.
type memoryHandle struct {
	bus *MemoryPubSub

	mu      sync.Mutex
	cancels map[int]func()
	next    int
	closed  bool
}

func (h *memoryHandle) Publish(topic string, payload []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return h.bus.Publish(topic, payload)
}

func (h *memoryHandle) Subscribe(topic string) (<-chan Message, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}
	ch, cancel, err := h.bus.Subscribe(topic)
	if err != nil {
		return nil, nil, err
	}
	if h.cancels == nil {
		h.cancels = make(map[int]func())
	}
	id := h.next
	h.next++
	var once sync.Once
	release := func() { once.Do(cancel) }
	h.cancels[id] = release
	return ch, func() {
		h.mu.Lock()
		delete(h.cancels, id)
		h.mu.Unlock()
		release()
	}, nil
}

func (h *memoryHandle) Close() error {
	h.mu.Lock()
	cancels := h.cancels
	h.cancels = nil
	h.closed = true
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
