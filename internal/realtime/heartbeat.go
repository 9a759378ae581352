package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/todo-1m/realtime/internal/contracts"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat periodically pushes a system/heartbeat event to every connection.
type Heartbeat struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	loop     periodic
}

func NewHeartbeat(registry *Registry, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{registry: registry, interval: interval, logger: logger}
}

func (h *Heartbeat) Run(ctx context.Context) {
	h.loop.run(ctx, h.interval, func(now time.Time) {
		h.Beat(now)
	})
}

func (h *Heartbeat) Running() bool {
	return h.loop.Running()
}

// Beat pushes one heartbeat to every open connection and returns how many
// accepted it. Connections that fail are evicted.
func (h *Heartbeat) Beat(now time.Time) int {
	payload, err := contracts.HeartbeatEvent(now.UTC()).ClientJSON()
	if err != nil {
		h.logger.Error("encode heartbeat", slog.String("error", err.Error()))
		return 0
	}

	delivered := 0
	for _, conn := range h.registry.All() {
		if err := conn.Push(payload); err != nil {
			evict(h.registry, h.logger, conn, "heartbeat_failed", err)
			continue
		}
		delivered++
	}
	return delivered
}
