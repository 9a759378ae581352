package eventbus

import (
	"context"
	"sync"

	"github.com/todo-1m/realtime/internal/contracts"
)

// Memory is a synchronous in-process bus. Publish returns after every handler
// ran, so handlers must not block.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{handlers: map[string]map[uint64]Handler{}}
}

func (m *Memory) Publish(ctx context.Context, event contracts.DomainEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := m.handlers[contracts.Channel(event.Entity)]
	handlers := make([]Handler, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (m *Memory) Subscribe(channel string, handler func(contracts.DomainEvent)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	m.nextID++
	id := m.nextID
	if m.handlers[channel] == nil {
		m.handlers[channel] = map[uint64]Handler{}
	}
	m.handlers[channel][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers[channel], id)
			if len(m.handlers[channel]) == 0 {
				delete(m.handlers, channel)
			}
		})
	}, nil
}

// Subscribers returns the number of handlers on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[channel])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.handlers = map[string]map[uint64]Handler{}
	m.mu.Unlock()
	return nil
}
