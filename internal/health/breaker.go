package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"release_notifier/internal/metrics"
)

// ErrOpen is returned by Breaker.Do while the circuit rejects calls.
var ErrOpen = errors.New("circuit open")

// BreakerPolicy configures a circuit breaker.
type BreakerPolicy struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing one probe.
	Cooldown time.Duration
}

// Breaker guards calls to one source. It starts closed, opens after
// FailureThreshold consecutive failures, and lets a single probe through
// once Cooldown has elapsed.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker creates a breaker for the named source. State changes are
// recorded on the tracker when it is non-nil.
func NewBreaker(name string, p BreakerPolicy, tracker *Tracker, logger *slog.Logger) *Breaker {
	threshold := uint32(max(p.FailureThreshold, 1)) //nolint:gosec // bounded by config validation

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     p.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state changed", "source", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.StateValue(to.String()))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			if tracker != nil {
				tracker.SetCircuit(name, to.String())
			}
		},
	})

	return &Breaker{name: name, cb: cb}
}

// Do runs fn through the breaker. While the circuit is open, or a probe is
// already in flight, fn is not called and the error wraps ErrOpen.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	return err
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
