package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	EventsStream = "REALTIME_EVENTS"

	// Events are only useful to connections that are live right now, so the
	// stream keeps a short tail for late subscribers and nothing more.
	eventsMaxAge = 10 * time.Minute
)

// EnsureStreams creates (or validates) the stream backing app.event.>.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(EventsStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:      EventsStream,
			Subjects:  []string{"app.event.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.MemoryStorage,
			MaxAge:    eventsMaxAge,
			Replicas:  1,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}
