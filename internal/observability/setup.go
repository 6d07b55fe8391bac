package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
)

const namespace = "ngguard"

var (
	registerOnce sync.Once

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Processed events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	eventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time spent processing one event",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed verification transitions",
		},
		[]string{"from", "to"},
	)

	effectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effect_failures_total",
			Help:      "Side effects that failed after retries and are left for reconciliation",
		},
		[]string{"effect"},
	)

	voteBansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_bans_total",
			Help:      "Vote rounds that reached their threshold",
		},
	)

	deadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Deliveries dropped after exhausting redelivery attempts",
		},
	)
)

// Register attaches the collectors to reg. Repeated calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			eventsTotal,
			eventDuration,
			transitionsTotal,
			effectFailuresTotal,
			voteBansTotal,
			deadLettersTotal,
		)
	})
}

// InitTracing installs the global tracer provider and returns its shutdown function.
func InitTracing() func(ctx context.Context) error {
	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func RecordEvent(eventType, outcome string) {
	eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// StartEvent returns a function that records the event duration when called.
func StartEvent(eventType string) func() {
	start := time.Now()
	return func() {
		eventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
}

func RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordEffectFailure(effect string) {
	effectFailuresTotal.WithLabelValues(effect).Inc()
}

func RecordVoteBan() {
	voteBansTotal.Inc()
}

func RecordDeadLetter() {
	deadLettersTotal.Inc()
}
