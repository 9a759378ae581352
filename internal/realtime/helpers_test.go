package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/todo-1m/realtime/internal/contracts"
)

var errBrokenPipe = errors.New("broken pipe")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
	panicMsg string
	closes   int
}

func (s *recordingSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.closes > 0 {
		return ErrSinkClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) failWith(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *recordingSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *recordingSink) events(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.payloads))
	for _, p := range s.payloads {
		var m map[string]any
		if err := json.Unmarshal(p, &m); err != nil {
			t.Fatalf("sink payload is not JSON: %v", err)
		}
		out = append(out, m)
	}
	return out
}

// observingSink runs onClose when the sink is closed.
type observingSink struct {
	onClose func()
}

func (s *observingSink) Send([]byte) error { return nil }

func (s *observingSink) Close() error {
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// fakeBus is a synchronous in-test bus keyed by channel.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]func(contracts.DomainEvent)
	failOn   string
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string][]func(contracts.DomainEvent){}}
}

func (b *fakeBus) Subscribe(channel string, handler func(contracts.DomainEvent)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel == b.failOn {
		return nil, errors.New("subscribe refused")
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	idx := len(b.handlers[channel]) - 1
	return func() {
		b.mu.Lock()
		b.handlers[channel][idx] = nil
		b.mu.Unlock()
	}, nil
}

func (b *fakeBus) publish(event contracts.DomainEvent) {
	b.mu.Lock()
	handlers := append([]func(contracts.DomainEvent){}, b.handlers[contracts.Channel(event.Entity)]...)
	b.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(event)
		}
	}
}

func (b *fakeBus) activeHandlers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, hs := range b.handlers {
		for _, h := range hs {
			if h != nil {
				n++
			}
		}
	}
	return n
}

type fakeTokens map[string]string

func (f fakeTokens) ValidateToken(_ context.Context, token string) (string, error) {
	switch token {
	case "expired":
		return "", errors.New("token is expired")
	}
	userID, ok := f[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}

type fakeUsers struct {
	known map[string]bool
	err   error
}

func (f fakeUsers) GetUserInfo(_ context.Context, userID string) (UserInfo, error) {
	if f.err != nil {
		return UserInfo{}, f.err
	}
	if !f.known[userID] {
		return UserInfo{}, ErrUserNotFound
	}
	return UserInfo{ID: userID, Username: "name-" + userID}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newConn(id, userID string, clock *fakeClock) (*Connection, *recordingSink) {
	sink := &recordingSink{}
	var now func() time.Time
	if clock != nil {
		now = clock.Now
	}
	return NewConnection(id, userID, sink, now), sink
}
