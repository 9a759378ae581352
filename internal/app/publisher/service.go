package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/todo-1m/realtime/internal/contracts"
)

// EventPublisher is the write side of the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, event contracts.DomainEvent) error
}

// Service accepts domain events from the CRUD services after they committed a
// write and hands them to the bus.
type Service struct {
	Bus   EventPublisher
	Now   func() time.Time
	NewID func() string
}

type Response struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
	Entity  string `json:"entity"`
	Type    string `json:"type"`
}

func NewService(bus EventPublisher) *Service {
	return &Service{
		Bus:   bus,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

// Accept validates event, stamps its id and timestamp when missing and
// publishes it. Validation errors wrap the contracts sentinels.
func (s *Service) Accept(ctx context.Context, event contracts.DomainEvent) (Response, error) {
	event.OwnerUserID = strings.TrimSpace(event.OwnerUserID)
	if err := event.Validate(); err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = s.NewID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.Now()
	}

	if err := s.Bus.Publish(ctx, event); err != nil {
		return Response{}, fmt.Errorf("publish %s event: %w", event.Entity, err)
	}

	return Response{
		Status:  "accepted",
		EventID: event.EventID,
		Entity:  string(event.Entity),
		Type:    string(event.Type),
	}, nil
}
