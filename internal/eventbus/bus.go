// Package eventbus carries DomainEvents from publishers to the realtime
// broadcaster, either in process or over NATS JetStream.
package eventbus

import (
	"context"
	"errors"

	"github.com/todo-1m/realtime/internal/contracts"
)

var ErrClosed = errors.New("event bus closed")

type Handler func(contracts.DomainEvent)

// Bus publishes events on the channel of their entity kind and delivers them
// to every handler subscribed to that channel.
type Bus interface {
	Publish(ctx context.Context, event contracts.DomainEvent) error
	Subscribe(channel string, handler func(contracts.DomainEvent)) (unsubscribe func(), err error)
	Close() error
}
