package bus

import (
	"sync/atomic"
)

// Memory is an in-process bus. Publish delivers synchronously to every
// matching handler on the caller's goroutine.
type Memory struct {
	reg    registry
	closed atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
}

var _ Bus = (*Memory)(nil)

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish implements Bus.
func (m *Memory) Publish(topic string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.published.Add(1)
	n := m.reg.dispatch(topic, payload)
	m.delivered.Add(uint64(n))
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(topic string, h Handler) (Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	sub, _ := m.reg.add(topic, h)
	return sub, nil
}

// Close drops every subscription. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.reg.clear()
	return nil
}

// Stats returns message counters.
func (m *Memory) Stats() map[string]uint64 {
	return map[string]uint64{
		"published": m.published.Load(),
		"delivered": m.delivered.Load(),
	}
}
