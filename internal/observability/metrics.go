package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RowsScheduledTotal     *prometheus.CounterVec
	EnqueueOutcomesTotal   *prometheus.CounterVec
	MessagesProcessedTotal *prometheus.CounterVec
	RetryAttemptsTotal     *prometheus.CounterVec
	RecoveryActionsTotal   *prometheus.CounterVec
	SchedulerRunDuration   *prometheus.HistogramVec
	QueuePublishFailures   prometheus.Counter
	CircuitState           prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		RowsScheduledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greeting_rows_scheduled_total",
				Help: "Message log rows created by the daily precalculation run",
			},
			[]string{"type"},
		),
		EnqueueOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greeting_enqueue_outcomes_total",
				Help: "Per-row outcomes of the minute enqueue scheduler",
			},
			[]string{"outcome"},
		),
		MessagesProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greeting_messages_processed_total",
				Help: "Worker outcomes per consumed message",
			},
			[]string{"outcome"},
		),
		RetryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greeting_retry_attempts_total",
				Help: "Delivery retries by reason",
			},
			[]string{"reason"},
		),
		RecoveryActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greeting_recovery_actions_total",
				Help: "Stranded-row repairs by action",
			},
			[]string{"action"},
		),
		SchedulerRunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "greeting_scheduler_run_duration_seconds",
				Help:    "Duration of scheduler invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job", "outcome"},
		),
		QueuePublishFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "greeting_queue_publish_failures_total",
				Help: "Failed publishes to the send queue",
			},
		),
		CircuitState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "greeting_vendor_circuit_state",
				Help: "Vendor circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
		),
	}
}
