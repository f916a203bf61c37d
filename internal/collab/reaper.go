package collab

import (
	"context"
	"log"
	"time"
)

// RunReaper evicts idle, empty sessions every interval until ctx is done.
// idle <= 0 disables eviction entirely.
func (r *Registry) RunReaper(ctx context.Context, idle, interval time.Duration) {
	if idle <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ids := r.EvictIdle(idle); len(ids) > 0 {
				log.Printf("[Registry] evicted idle sessions count=%d remaining=%d", len(ids), r.Len())
			}
		}
	}
}
