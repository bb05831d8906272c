package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_total",
			Help: "Total number of booking and payment events processed (count)",
		},
		[]string{"kind", "status"},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_decisions_total",
			Help: "Total number of decisions produced by kind (count)",
		},
		[]string{"kind", "decided_by"},
	)

	DecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_decision_duration_ms",
			Help:    "Duration from event receipt to executed decision in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"kind"},
	)

	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_actions_total",
			Help: "Total number of decision actions executed by type and status (count)",
		},
		[]string{"type", "status"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of channel sends by channel and status (count)",
		},
		[]string{"channel", "status"},
	)

	NotificationSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_send_duration_ms",
			Help:    "Duration of a single channel send in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"channel"},
	)

	ActiveGracePeriods = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grace_periods_active",
			Help: "Number of bookings currently held in a grace period (count)",
		},
	)

	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Total number of sweep runs (count)",
		},
		[]string{"status"},
	)

	SweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_items_total",
			Help: "Total number of expired graces and due jobs handled by the sweep (count)",
		},
		[]string{"kind", "outcome"},
	)

	CachedConfigurations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "property_configurations_cached",
			Help: "Number of property configurations held in memory (count)",
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"service", "topic", "partition"},
	)

	KafkaReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_read_duration_ms",
			Help:    "Duration of reading messages from Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsProcessedTotal,
			DecisionsTotal,
			DecisionDuration,
			ActionsTotal,
			NotificationsTotal,
			NotificationSendDuration,
			ActiveGracePeriods,
			SweepRunsTotal,
			SweepItemsTotal,
			CachedConfigurations,
			RetryAttemptsTotal,
			DLQMessagesTotal,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
			KafkaMessagesReadTotal,
			KafkaMessagesWrittenTotal,
			KafkaMessageSizeBytes,
			KafkaConsumerLag,
			KafkaReadDuration,
			KafkaWriteDuration,
			DatabaseQueriesTotal,
			DatabaseQueryDuration,
		)
	})
}

func IncEvent(kind, status string) {
	EventsProcessedTotal.WithLabelValues(kind, status).Inc()
}

func IncDecision(kind, decidedBy string) {
	DecisionsTotal.WithLabelValues(kind, decidedBy).Inc()
}

func ObserveDecisionDuration(kind string, duration time.Duration) {
	DecisionDuration.WithLabelValues(kind).Observe(float64(duration.Milliseconds()))
}

func IncAction(actionType, status string) {
	ActionsTotal.WithLabelValues(actionType, status).Inc()
}

func IncNotification(channel, status string) {
	NotificationsTotal.WithLabelValues(channel, status).Inc()
}

func ObserveNotificationSend(channel string, duration time.Duration) {
	NotificationSendDuration.WithLabelValues(channel).Observe(float64(duration.Milliseconds()))
}

func SetActiveGracePeriods(count int) {
	ActiveGracePeriods.Set(float64(count))
}

func IncSweepRun(status string) {
	SweepRunsTotal.WithLabelValues(status).Inc()
}

func IncSweepItem(kind, outcome string) {
	SweepItemsTotal.WithLabelValues(kind, outcome).Inc()
}

func SetCachedConfigurations(count int) {
	CachedConfigurations.Set(float64(count))
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func SetKafkaConsumerLag(service, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(service, topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func ObserveKafkaReadDuration(service, topic string, duration time.Duration) {
	KafkaReadDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

// ObserveQuery records one database round trip.
func ObserveQuery(database, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueriesTotal.WithLabelValues("automation", database, operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues("automation", database, operation).Observe(float64(time.Since(start).Milliseconds()))
}
