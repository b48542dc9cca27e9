// Package metrics holds the prometheus collectors of the release pipeline.
//
// A run is a short-lived batch job, so metrics are not scraped from a live
// endpoint: WriteTextfile dumps the registry in text exposition format for a
// node-exporter textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector of this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// FetchAttempts counts source fetch attempts by result (success, failure, throttled, rejected).
	FetchAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_fetch_attempts_total",
			Help: "Total number of source fetch attempts",
		},
		[]string{"source", "result"},
	)

	// AllowedRate is the current adaptive request ceiling of a source.
	AllowedRate = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "release_source_allowed_requests_per_minute",
			Help: "Adaptive request rate currently allowed for a source",
		},
		[]string{"source"},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions counts breaker state changes.
	CircuitBreakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// FeedChecks counts feed fetches by result (success, failure, skipped).
	FeedChecks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_feed_checks_total",
			Help: "Total number of feed checks",
		},
		[]string{"feed", "result"},
	)

	// PipelineItems counts candidates passing through each pipeline stage.
	PipelineItems = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_pipeline_items_total",
			Help: "Items counted at each pipeline stage",
		},
		[]string{"stage"},
	)

	// Deliveries counts notification attempts by channel and outcome.
	Deliveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_notifications_total",
			Help: "Total number of notification delivery attempts",
		},
		[]string{"channel", "outcome"},
	)

	// RunDuration is the wall time of the last run.
	RunDuration = factory.NewGauge(prometheus.GaugeOpts{
		Name: "release_run_duration_seconds",
		Help: "Duration of the last ingestion and dispatch run",
	})

	// LastRunTimestamp is the unix time the last run finished.
	LastRunTimestamp = factory.NewGauge(prometheus.GaugeOpts{
		Name: "release_last_run_timestamp_seconds",
		Help: "Unix time of the last completed run",
	})
)

// StateValue maps a breaker state name to its gauge value.
func StateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// WriteTextfile writes the registry to path in text exposition format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
