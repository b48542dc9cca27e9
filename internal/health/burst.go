package health

import (
	"context"
	"sync"
	"time"
)

// burstGuard admits at most len(times) requests in any rolling window. It
// keeps the admission times of the last len(times) requests; a new request
// waits until the oldest of them has left the window.
type burstGuard struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
	next   int
	now    func() time.Time
}

func newBurstGuard(n int, window time.Duration) *burstGuard {
	return &burstGuard{window: window, times: make([]time.Time, n), now: time.Now}
}

// wait blocks until one more request fits in the window, then records it.
func (g *burstGuard) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.now()
		oldest := g.times[g.next]
		if oldest.IsZero() || now.Sub(oldest) >= g.window {
			g.times[g.next] = now
			g.next = (g.next + 1) % len(g.times)
			g.mu.Unlock()
			return nil
		}
		delay := g.window - now.Sub(oldest)
		g.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
