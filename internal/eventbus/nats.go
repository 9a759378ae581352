package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/todo-1m/realtime/internal/contracts"
	"github.com/todo-1m/realtime/internal/sharding"
)

// NATS publishes events to app.event.<kind>.updated.<shard> on JetStream and
// subscribes with ephemeral consumers that only see new messages.
type NATS struct {
	js     nats.JetStreamContext
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

func NewNATS(js nats.JetStreamContext, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{js: js, logger: logger, subs: map[*nats.Subscription]struct{}{}}
}

func (n *NATS) Publish(ctx context.Context, event contracts.DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := sharding.EventSubject(contracts.Channel(event.Entity), event.OwnerUserID)
	if _, err := n.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(channel string, handler func(contracts.DomainEvent)) (func(), error) {
	sub, err := n.js.Subscribe(sharding.EventWildcard(channel), n.dispatch(channel, handler),
		nats.DeliverNew(),
		nats.AckNone(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		_, ok := n.subs[sub]
		delete(n.subs, sub)
		n.mu.Unlock()
		if ok {
			_ = sub.Unsubscribe()
		}
	}, nil
}

// dispatch decodes a bus message and hands it to handler. Malformed messages
// are logged and dropped; the subscription stays.
func (n *NATS) dispatch(channel string, handler func(contracts.DomainEvent)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event contracts.DomainEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			n.logger.Warn("dropping malformed event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		if contracts.Channel(event.Entity) != channel {
			n.logger.Warn("dropping event on wrong channel",
				slog.String("subject", msg.Subject),
				slog.String("entity", string(event.Entity)),
			)
			return
		}
		handler(event)
	}
}

// Close unsubscribes every live subscription. The NATS connection is owned by
// the caller.
func (n *NATS) Close() error {
	n.mu.Lock()
	subs := n.subs
	n.subs = map[*nats.Subscription]struct{}{}
	n.mu.Unlock()

	for sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}
