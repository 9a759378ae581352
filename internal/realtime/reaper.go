package realtime

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultReapInterval        = 15 * time.Minute
	DefaultInactivityThreshold = 15 * time.Minute
)

// Reaper closes connections that have not accepted a push for longer than the
// inactivity threshold.
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
	loop      periodic
}

func NewReaper(registry *Registry, interval, threshold time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{registry: registry, interval: interval, threshold: threshold, logger: logger}
}

func (r *Reaper) Run(ctx context.Context) {
	r.loop.run(ctx, r.interval, func(now time.Time) {
		if n := r.Sweep(now); n > 0 {
			r.logger.Info("reaped stale connections", slog.Int("count", n), slog.Int("remaining", r.registry.Total()))
		}
	})
}

func (r *Reaper) Running() bool {
	return r.loop.Running()
}

// Sweep evicts every connection whose last activity is strictly older than
// now minus the threshold.
func (r *Reaper) Sweep(now time.Time) int {
	cutoff := now.Add(-r.threshold)
	reaped := 0
	for _, conn := range r.registry.All() {
		if conn.LastActivity().Before(cutoff) && evict(r.registry, r.logger, conn, "stale", nil) {
			reaped++
		}
	}
	return reaped
}
