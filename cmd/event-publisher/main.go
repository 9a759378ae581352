package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/todo-1m/realtime/internal/app/publisher"
	"github.com/todo-1m/realtime/internal/contracts"
	"github.com/todo-1m/realtime/internal/eventbus"
	"github.com/todo-1m/realtime/internal/platform/config"
	"github.com/todo-1m/realtime/internal/platform/logging"
	"github.com/todo-1m/realtime/internal/platform/natsutil"
)

// event-publisher stands in for a CRUD service: it publishes one domain event
// straight onto the NATS bus.
//
//	event-publisher -entity list -type update -owner <user-id> -payload '{"listId":"todolist-42"}'
func main() {
	var (
		entity  = flag.String("entity", "todo", "entity kind: tag, list, todo or habit")
		change  = flag.String("type", "update", "change type: create, update, delete or update_with_children")
		owner   = flag.String("owner", "", "owning user id")
		payload = flag.String("payload", "{}", "entity payload as JSON")
		timeout = flag.Duration("timeout", 10*time.Second, "publish timeout")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Log)

	event, err := buildEvent(*entity, *change, *owner, *payload)
	if err != nil {
		logger.Error("invalid event", slog.String("error", err.Error()))
		os.Exit(2)
	}

	client, err := natsutil.ConnectJetStream(cfg.NATS.URL, "event-publisher", logger)
	if err != nil {
		logger.Error("connect nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := publisher.NewService(eventbus.NewNATS(client.JS, logger)).Accept(ctx, event)
	if err != nil {
		logger.Error("publish event", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("event published",
		slog.String("event_id", resp.EventID),
		slog.String("entity", resp.Entity),
		slog.String("type", resp.Type),
		slog.String("owner", event.OwnerUserID),
	)
}

func buildEvent(entity, change, owner, payload string) (contracts.DomainEvent, error) {
	envelope := map[string]any{
		"entity":      entity,
		"type":        change,
		"ownerUserId": owner,
		"payload":     json.RawMessage(payload),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return contracts.DomainEvent{}, fmt.Errorf("encode envelope: %w", err)
	}
	var event contracts.DomainEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return contracts.DomainEvent{}, err
	}
	return event, event.Validate()
}
