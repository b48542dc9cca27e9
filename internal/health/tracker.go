// Package health keeps per-source health records and the guards built on
// them: an adaptive request limiter, a short-window burst guard and a circuit
// breaker.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"release_notifier/internal/metrics"
	"release_notifier/internal/model"
)

// Rate adjustment factors.
const (
	throttleFactor = 0.80
	recoverFactor  = 1.05
)

// Policy configures the rate limiter of every tracked source.
type Policy struct {
	InitialPerMinute float64
	MinPerMinute     float64
	MaxPerMinute     float64
	// BurstRequests caps requests inside any BurstWindow. Zero disables the guard.
	BurstRequests int
	BurstWindow   time.Duration
	// SuccessWindow is the number of consecutive successes that raises the rate.
	SuccessWindow int
	// Window is the size of the rolling success-ratio window.
	Window int
}

// Outcome is the result of one request attempt against a source.
type Outcome struct {
	Latency time.Duration
	Err     error
	// Throttled is set when the source explicitly refused service.
	Throttled bool
}

type record struct {
	limiter *rate.Limiter
	burst   *burstGuard

	perMinute           float64
	consecutiveFailures int
	streak              int
	attempts            int
	avgLatency          time.Duration
	circuit             string
	updatedAt           time.Time

	window []bool
	next   int
	filled int
}

// Tracker owns the health records of all sources. Records are created
// lazily on first use. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	policy  Policy
	records map[string]*record
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker with the given policy.
func NewTracker(p Policy, logger *slog.Logger) *Tracker {
	if p.Window <= 0 {
		p.Window = 20
	}
	if p.SuccessWindow <= 0 {
		p.SuccessWindow = 10
	}
	if p.MaxPerMinute <= 0 {
		p.MaxPerMinute = math.Max(p.InitialPerMinute, 60)
	}
	if p.InitialPerMinute <= 0 {
		p.InitialPerMinute = p.MaxPerMinute
	}
	return &Tracker{
		policy:  p,
		records: make(map[string]*record),
		logger:  logger,
		now:     time.Now,
	}
}

func (t *Tracker) get(source string) *record {
	r, ok := t.records[source]
	if ok {
		return r
	}
	r = &record{
		circuit: "closed",
		window:  make([]bool, t.policy.Window),
	}
	r.perMinute = t.clamp(t.policy.InitialPerMinute)
	r.limiter = rate.NewLimiter(perSecond(r.perMinute), 1)
	if t.policy.BurstRequests > 0 && t.policy.BurstWindow > 0 {
		r.burst = newBurstGuard(t.policy.BurstRequests, t.policy.BurstWindow)
	}
	t.records[source] = r
	metrics.AllowedRate.WithLabelValues(source).Set(r.perMinute)
	return r
}

func perSecond(perMinute float64) rate.Limit {
	return rate.Limit(perMinute / 60)
}

func (t *Tracker) clamp(perMinute float64) float64 {
	return math.Min(math.Max(perMinute, t.policy.MinPerMinute), t.policy.MaxPerMinute)
}

// Wait blocks until the source's rate limiter and burst guard both allow
// one more request, or ctx is done. The burst guard is consulted last so the
// time it records is the time the request goes out.
func (t *Tracker) Wait(ctx context.Context, source string) error {
	t.mu.Lock()
	r := t.get(source)
	t.mu.Unlock()

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", source, err)
	}
	if r.burst == nil {
		return nil
	}
	if err := r.burst.wait(ctx); err != nil {
		return fmt.Errorf("burst guard %s: %w", source, err)
	}
	return nil
}

// Report records the outcome of one attempt and adapts the source's rate.
func (t *Tracker) Report(source string, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(source)
	r.attempts++
	r.updatedAt = t.now()
	r.avgLatency += (o.Latency - r.avgLatency) / time.Duration(r.attempts)
	r.push(o.Err == nil)

	switch {
	case o.Err == nil:
		metrics.FetchAttempts.WithLabelValues(source, "success").Inc()
		r.consecutiveFailures = 0
		r.streak++
		if r.streak >= t.policy.SuccessWindow {
			r.streak = 0
			t.setRate(source, r, r.perMinute*recoverFactor)
		}
	case o.Throttled:
		metrics.FetchAttempts.WithLabelValues(source, "throttled").Inc()
		r.consecutiveFailures++
		r.streak = 0
		t.setRate(source, r, r.perMinute*throttleFactor)
	default:
		metrics.FetchAttempts.WithLabelValues(source, "failure").Inc()
		r.consecutiveFailures++
		r.streak = 0
	}
}

func (t *Tracker) setRate(source string, r *record, perMinute float64) {
	perMinute = t.clamp(perMinute)
	if perMinute == r.perMinute {
		return
	}
	t.logger.Debug("source rate adjusted", "source", source, "from", r.perMinute, "to", perMinute)
	r.perMinute = perMinute
	r.limiter.SetLimit(perSecond(perMinute))
	metrics.AllowedRate.WithLabelValues(source).Set(perMinute)
}

func (r *record) push(ok bool) {
	r.window[r.next] = ok
	r.next = (r.next + 1) % len(r.window)
	if r.filled < len(r.window) {
		r.filled++
	}
}

func (r *record) ratio() float64 {
	if r.filled == 0 {
		return 1
	}
	var ok int
	for i := 0; i < r.filled; i++ {
		if r.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(r.filled)
}

// SetCircuit records the breaker state of a source.
func (t *Tracker) SetCircuit(source, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(source).circuit = state
}

// Stats returns the current health record of a source.
func (t *Tracker) Stats(source string) model.SourceHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats(source, t.get(source))
}

func (t *Tracker) stats(source string, r *record) model.SourceHealth {
	return model.SourceHealth{
		Source:              source,
		ConsecutiveFailures: r.consecutiveFailures,
		SuccessRatio:        r.ratio(),
		AllowedPerMinute:    r.perMinute,
		Circuit:             r.circuit,
		AvgLatency:          r.avgLatency,
		Attempts:            r.attempts,
		UpdatedAt:           r.updatedAt,
	}
}

// Snapshot returns all health records ordered by source name.
func (t *Tracker) Snapshot() []model.SourceHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.SourceHealth, 0, len(t.records))
	for name, r := range t.records {
		out = append(out, t.stats(name, r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Restore seeds records from a checkpoint. Counters and the allowed rate are
// restored; the circuit always starts closed.
func (t *Tracker) Restore(snapshot []model.SourceHealth) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range snapshot {
		r := t.get(h.Source)
		r.consecutiveFailures = h.ConsecutiveFailures
		r.attempts = h.Attempts
		r.avgLatency = h.AvgLatency
		r.updatedAt = h.UpdatedAt

		n := min(h.Attempts, len(r.window))
		ok := int(math.Round(h.SuccessRatio * float64(n)))
		for i := 0; i < n; i++ {
			r.push(i < ok)
		}

		if h.AllowedPerMinute > 0 {
			perMinute := t.clamp(h.AllowedPerMinute)
			r.perMinute = perMinute
			r.limiter.SetLimit(perSecond(perMinute))
			metrics.AllowedRate.WithLabelValues(h.Source).Set(perMinute)
		}
	}
}
