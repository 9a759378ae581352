package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityKind names the aggregate a DomainEvent describes.
type EntityKind string

const (
	EntityTag    EntityKind = "tag"
	EntityList   EntityKind = "list"
	EntityTodo   EntityKind = "todo"
	EntityHabit  EntityKind = "habit"
	EntitySystem EntityKind = "system"
)

// ChangeType is the mutation (or system signal) carried by a DomainEvent.
type ChangeType string

const (
	ChangeCreate             ChangeType = "create"
	ChangeUpdate             ChangeType = "update"
	ChangeDelete             ChangeType = "delete"
	ChangeUpdateWithChildren ChangeType = "update_with_children"
	ChangeConnected          ChangeType = "connected"
	ChangeHeartbeat          ChangeType = "heartbeat"
)

var (
	ErrInvalidEntity     = errors.New("invalid entity kind")
	ErrInvalidChangeType = errors.New("invalid change type")
	ErrOwnerRequired     = errors.New("ownerUserId is required")
	ErrPayloadMismatch   = errors.New("payload does not match entity kind")
	ErrEntityIDRequired  = errors.New("entity id is required")
)

// MutationKinds are the entity kinds collaborators may publish. System events
// are produced by the realtime core only.
var MutationKinds = []EntityKind{EntityTag, EntityList, EntityTodo, EntityHabit}

// Channel is the bus channel mutations of kind are published on.
func Channel(kind EntityKind) string {
	return string(kind) + ".updated"
}

type TagPayload struct {
	TagID string `json:"tagId"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

type ListPayload struct {
	ListID  string `json:"listId"`
	Name    string `json:"name,omitempty"`
	GroupID string `json:"groupId,omitempty"`
}

type TodoPayload struct {
	TodoID    string `json:"todoId"`
	ListID    string `json:"listId,omitempty"`
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed"`
}

type HabitPayload struct {
	HabitID string `json:"habitId"`
	Name    string `json:"name,omitempty"`
	Streak  int    `json:"streak"`
}

type SystemPayload struct {
	Message      string `json:"message,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// DomainEvent is an immutable envelope for one committed mutation. Exactly one
// payload pointer is set and it must match Entity.
type DomainEvent struct {
	EventID     string
	Entity      EntityKind
	Type        ChangeType
	OwnerUserID string
	Timestamp   time.Time

	Tag    *TagPayload
	List   *ListPayload
	Todo   *TodoPayload
	Habit  *HabitPayload
	System *SystemPayload
}

func NewTagEvent(change ChangeType, owner string, p TagPayload, at time.Time) DomainEvent {
	return DomainEvent{Entity: EntityTag, Type: change, OwnerUserID: owner, Timestamp: at, Tag: &p}
}

func NewListEvent(change ChangeType, owner string, p ListPayload, at time.Time) DomainEvent {
	return DomainEvent{Entity: EntityList, Type: change, OwnerUserID: owner, Timestamp: at, List: &p}
}

func NewTodoEvent(change ChangeType, owner string, p TodoPayload, at time.Time) DomainEvent {
	return DomainEvent{Entity: EntityTodo, Type: change, OwnerUserID: owner, Timestamp: at, Todo: &p}
}

func NewHabitEvent(change ChangeType, owner string, p HabitPayload, at time.Time) DomainEvent {
	return DomainEvent{Entity: EntityHabit, Type: change, OwnerUserID: owner, Timestamp: at, Habit: &p}
}

// ConnectedEvent confirms stream establishment to a single connection.
func ConnectedEvent(owner, connectionID string, at time.Time) DomainEvent {
	return DomainEvent{
		Entity:      EntitySystem,
		Type:        ChangeConnected,
		OwnerUserID: owner,
		Timestamp:   at,
		System:      &SystemPayload{Message: "connected", ConnectionID: connectionID},
	}
}

// HeartbeatEvent is the transport keep-alive. It has no owner.
func HeartbeatEvent(at time.Time) DomainEvent {
	return DomainEvent{Entity: EntitySystem, Type: ChangeHeartbeat, Timestamp: at, System: &SystemPayload{}}
}

// Validate checks an inbound mutation event published by a collaborator.
func (e DomainEvent) Validate() error {
	switch e.Type {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeUpdateWithChildren:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidChangeType, e.Type)
	}
	if strings.TrimSpace(e.OwnerUserID) == "" {
		return ErrOwnerRequired
	}

	var id string
	switch e.Entity {
	case EntityTag:
		if e.Tag == nil {
			return ErrPayloadMismatch
		}
		id = e.Tag.TagID
	case EntityList:
		if e.List == nil {
			return ErrPayloadMismatch
		}
		id = e.List.ListID
	case EntityTodo:
		if e.Todo == nil {
			return ErrPayloadMismatch
		}
		id = e.Todo.TodoID
	case EntityHabit:
		if e.Habit == nil {
			return ErrPayloadMismatch
		}
		id = e.Habit.HabitID
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEntity, e.Entity)
	}
	if strings.TrimSpace(id) == "" {
		return ErrEntityIDRequired
	}
	return nil
}

func (e DomainEvent) payload() any {
	switch e.Entity {
	case EntityTag:
		return e.Tag
	case EntityList:
		return e.List
	case EntityTodo:
		return e.Todo
	case EntityHabit:
		return e.Habit
	case EntitySystem:
		return e.System
	default:
		return nil
	}
}

// ClientJSON encodes the event the way stream clients receive it: entity, type
// and timestamp followed by the flattened payload. The owner is not exposed.
func (e DomainEvent) ClientJSON() ([]byte, error) {
	fields := map[string]any{}
	if p := e.payload(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, err
			}
		}
	}
	fields["entity"] = e.Entity
	if e.Type != "" {
		fields["type"] = e.Type
	}
	fields["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(fields)
}

// envelope is the bus wire format shared by publishers and the NATS bus.
type envelope struct {
	EventID     string          `json:"event_id,omitempty"`
	Entity      EntityKind      `json:"entity"`
	Type        ChangeType      `json:"type"`
	OwnerUserID string          `json:"ownerUserId"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (e DomainEvent) MarshalJSON() ([]byte, error) {
	env := envelope{
		EventID:     e.EventID,
		Entity:      e.Entity,
		Type:        e.Type,
		OwnerUserID: e.OwnerUserID,
		Timestamp:   e.Timestamp,
	}
	if p := e.payload(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if string(raw) != "null" {
			env.Payload = raw
		}
	}
	return json.Marshal(env)
}

func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	out := DomainEvent{
		EventID:     env.EventID,
		Entity:      env.Entity,
		Type:        env.Type,
		OwnerUserID: env.OwnerUserID,
		Timestamp:   env.Timestamp,
	}

	var target any
	switch env.Entity {
	case EntityTag:
		out.Tag = &TagPayload{}
		target = out.Tag
	case EntityList:
		out.List = &ListPayload{}
		target = out.List
	case EntityTodo:
		out.Todo = &TodoPayload{}
		target = out.Todo
	case EntityHabit:
		out.Habit = &HabitPayload{}
		target = out.Habit
	case EntitySystem:
		out.System = &SystemPayload{}
		target = out.System
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEntity, env.Entity)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, target); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Entity, err)
		}
	}

	*e = out
	return nil
}
