package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Saga metrics
	SagasStarted     *prometheus.CounterVec
	SagaTransitions  *prometheus.CounterVec
	SagaDuration     *prometheus.HistogramVec
	ActiveSagas      *prometheus.GaugeVec
	SagaRetries      *prometheus.CounterVec
	Compensations    *prometheus.CounterVec
	VersionConflicts *prometheus.CounterVec

	// Messaging metrics
	EventsProcessed       *prometheus.CounterVec
	DuplicateEvents       *prometheus.CounterVec
	StatusPublishFailures *prometheus.CounterVec
	OutboxRelayed         *prometheus.CounterVec
	MessageDuration       *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		SagasStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sagas_started_total",
				Help:      "Total number of sagas started by type",
			},
			[]string{"type"},
		),
		SagaTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_transitions_total",
				Help:      "Total number of saga status transitions",
			},
			[]string{"type", "from", "to"},
		),
		SagaDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "saga_duration_seconds",
				Help:      "Time from saga start to terminal status in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
			},
			[]string{"type", "status"},
		),
		ActiveSagas: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sagas",
				Help:      "Number of sagas in a non-terminal status",
			},
			[]string{"type"},
		),
		SagaRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_retries_total",
				Help:      "Total number of saga step retries",
			},
			[]string{"type"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_compensations_total",
				Help:      "Total number of saga compensations by reason and result",
			},
			[]string{"type", "reason", "result"},
		),
		VersionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_version_conflicts_total",
				Help:      "Total number of optimistic lock conflicts on saga writes",
			},
			[]string{"operation"},
		),
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total number of inbound events processed",
			},
			[]string{"event_type", "result"},
		),
		DuplicateEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_events_total",
				Help:      "Total number of redelivered events skipped by the idempotency ledger",
			},
			[]string{"event_type"},
		),
		StatusPublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_publish_failures_total",
				Help:      "Total number of status events that could not be published",
			},
			[]string{"event_type"},
		),
		OutboxRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_relayed_total",
				Help:      "Total number of outbox entries relayed to the broker",
			},
			[]string{"result"},
		),
		MessageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_processing_duration_seconds",
				Help:      "Inbound message processing duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.SagasStarted,
		m.SagaTransitions,
		m.SagaDuration,
		m.ActiveSagas,
		m.SagaRetries,
		m.Compensations,
		m.VersionConflicts,
		m.EventsProcessed,
		m.DuplicateEvents,
		m.StatusPublishFailures,
		m.OutboxRelayed,
		m.MessageDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
	)

	return m
}
