package realtime

import (
	"log/slog"

	"github.com/todo-1m/realtime/internal/platform/metrics"
)

var (
	deliveriesTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "realtime_deliveries_total",
		Help: "Events pushed to connection sinks.",
	}, []string{"entity", "outcome"})

	evictionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "realtime_evictions_total",
		Help: "Connections closed by the server.",
	}, []string{"reason"})

	droppedEventsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "realtime_dropped_events_total",
		Help: "Domain events that were not delivered to any connection.",
	}, []string{"reason"})
)

func init() {
	metrics.Default.MustRegister(deliveriesTotal, evictionsTotal, droppedEventsTotal)
}

// evict removes a dead or stale connection and closes it. Only the caller
// that actually removed it counts and logs the eviction.
func evict(registry *Registry, logger *slog.Logger, conn *Connection, reason string, cause error) bool {
	if !registry.Evict(conn) {
		return false
	}
	evictionsTotal.WithLabelValues(reason).Inc()

	attrs := []any{
		slog.String("reason", reason),
		slog.String("user_id", conn.UserID()),
		slog.String("connection_id", conn.ID()),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	logger.Debug("connection evicted", attrs...)
	return true
}
