package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EscrowOrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_orders_created_total",
		Help: "Total number of escrow payment orders created",
	})

	EscrowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Total number of escrow state transitions",
	}, []string{"from", "to"})

	EscrowReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_releases_total",
		Help: "Total number of escrow releases",
	}, []string{"mode"})

	EscrowReleaseFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_release_failed_total",
		Help: "Total number of failed escrow releases",
	}, []string{"reason"})

	DisputesRaisedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disputes_raised_total",
		Help: "Total number of disputes raised",
	}, []string{"priority"})

	DisputesResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disputes_resolved_total",
		Help: "Total number of disputes resolved",
	}, []string{"resolution"})

	PaymentVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Total number of payment verifications",
	}, []string{"result"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "Total number of retry attempts",
	}, []string{"operation"})

	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	}, []string{"breaker", "from", "to"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"breaker"})

	FailedQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "failed_queue_depth",
		Help: "Number of operations waiting in a failed-operation queue",
	}, []string{"queue"})

	FailedQueueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "failed_queue_outcomes_total",
		Help: "Outcomes of failed-operation queue processing",
	}, []string{"queue", "outcome"})

	SagaOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_outcomes_total",
		Help: "Total number of saga executions by outcome",
	}, []string{"saga", "outcome"})

	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotent_transactions_total",
		Help: "Total number of idempotent transactions by outcome",
	}, []string{"outcome"})

	TransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "idempotent_transaction_duration_seconds",
		Help:    "Duration of idempotent transactions including retries",
		Buckets: prometheus.DefBuckets,
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Total number of notification publish attempts",
	}, []string{"type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
