package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/todo-1m/realtime/internal/contracts"
)

const defaultInboxSize = 1024

// Subscriber is the domain-event bus as seen by the broadcaster.
type Subscriber interface {
	Subscribe(channel string, handler func(contracts.DomainEvent)) (unsubscribe func(), err error)
}

// Broadcaster bridges the domain-event bus to per-connection delivery. It
// subscribes once for every mutation channel and routes by owner through the
// registry.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	Now      func() time.Time

	inbox     chan contracts.DomainEvent
	unsubs    []func()
	closed    chan struct{}
	closeOnce sync.Once
}

func NewBroadcaster(registry *Registry, bus Subscriber, inboxSize int, logger *slog.Logger) (*Broadcaster, error) {
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		registry: registry,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
		inbox:    make(chan contracts.DomainEvent, inboxSize),
		closed:   make(chan struct{}),
	}

	for _, kind := range contracts.MutationKinds {
		channel := contracts.Channel(kind)
		unsubscribe, err := bus.Subscribe(channel, b.enqueue)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		b.unsubs = append(b.unsubs, unsubscribe)
	}
	return b, nil
}

// enqueue is the bus handler. It never blocks the publisher.
func (b *Broadcaster) enqueue(event contracts.DomainEvent) {
	select {
	case <-b.closed:
		return
	default:
	}

	select {
	case b.inbox <- event:
	default:
		droppedEventsTotal.WithLabelValues("inbox_full").Inc()
		b.logger.Warn("broadcaster inbox full, dropping event",
			slog.String("entity", string(event.Entity)),
			slog.String("owner_user_id", event.OwnerUserID),
		)
	}
}

// Run delivers queued events in bus order until ctx is done or Close is called.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case event := <-b.inbox:
			b.deliver(event)
		}
	}
}

// Close unsubscribes from the bus and stops Run.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		for _, unsubscribe := range b.unsubs {
			if unsubscribe != nil {
				unsubscribe()
			}
		}
	})
}

func (b *Broadcaster) deliver(event contracts.DomainEvent) (delivered int) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broadcast handler panic",
				slog.Any("panic", r),
				slog.String("entity", string(event.Entity)),
				slog.String("owner_user_id", event.OwnerUserID),
			)
		}
	}()

	conns := b.registry.ConnectionsFor(event.OwnerUserID)
	if len(conns) == 0 {
		droppedEventsTotal.WithLabelValues("no_connections").Inc()
		return 0
	}

	payload, err := event.ClientJSON()
	if err != nil {
		droppedEventsTotal.WithLabelValues("encode").Inc()
		b.logger.Error("encode domain event", slog.String("error", err.Error()), slog.String("event_id", event.EventID))
		return 0
	}

	for _, conn := range conns {
		if err := conn.Push(payload); err != nil {
			deliveriesTotal.WithLabelValues(string(event.Entity), "failed").Inc()
			evict(b.registry, b.logger, conn, "delivery_failed", err)
			continue
		}
		deliveriesTotal.WithLabelValues(string(event.Entity), "ok").Inc()
		delivered++
	}
	return delivered
}

// Confirm sends the connected event to conn only.
func (b *Broadcaster) Confirm(conn *Connection) error {
	payload, err := contracts.ConnectedEvent(conn.UserID(), conn.ID(), b.Now()).ClientJSON()
	if err != nil {
		return err
	}
	if err := conn.Push(payload); err != nil {
		return err
	}
	deliveriesTotal.WithLabelValues(string(contracts.EntitySystem), "ok").Inc()
	return nil
}
