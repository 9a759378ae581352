package realtime

import (
	"context"
	"sync/atomic"
	"time"
)

// periodic runs fn on a fixed interval until ctx is cancelled. It is either
// running or stopped; a stopped loop can be started again with a new ctx.
type periodic struct {
	running atomic.Bool
}

func (p *periodic) run(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer p.running.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

func (p *periodic) Running() bool {
	return p.running.Load()
}
