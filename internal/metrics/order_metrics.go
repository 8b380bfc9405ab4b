package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики командного слоя и workflow заказов.
// Все методы безопасны для nil-получателя: метрики можно не передавать в тестах.
type OrderMetrics struct {
	// Команды транспорта
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Бизнес-события
	ordersCreated *prometheus.CounterVec
	statusChanges *prometheus.CounterVec
	outboxEvents  *prometheus.CounterVec

	// Вызовы product-сервиса
	productValidation         *prometheus.CounterVec
	productValidationDuration prometheus.Histogram

	timelineEvents prometheus.Counter

	// Публикация outbox
	outboxPublishAttempts *prometheus.CounterVec
	outboxPending         prometheus.Gauge
	outboxOldestAge       prometheus.Gauge

	// Команды из Kafka
	kafkaMessages *prometheus.CounterVec

	// Очистка ключей идемпотентности
	idempotencyCleanupRuns        *prometheus.CounterVec
	idempotencyCleanupDeleted     prometheus.Counter
	idempotencyCleanupLastDeleted prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		commandsTotal: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_commands_total",
			Help: "Total number of handled commands grouped by command and reply status",
		}, []string{"command", "status"}),
		commandDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orders_command_duration_seconds",
			Help:    "Duration of command handling in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"command"}),
		ordersCreated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of order creation attempts grouped by result",
		}, []string{"result"}),
		statusChanges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_status_changes_total",
			Help: "Total number of persisted order status changes grouped by target status",
		}, []string{"status"}),
		outboxEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_outbox_enqueued_total",
			Help: "Total number of events enqueued into transactional outbox",
		}, []string{"event_type"}),
		productValidation: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_product_validation_total",
			Help: "Total number of product service validation calls grouped by result",
		}, []string{"result"}),
		productValidationDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "orders_product_validation_duration_seconds",
			Help:    "Duration of product service validation calls in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxPublishAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result",
		}, []string{"result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
		kafkaMessages: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_kafka_messages_total",
			Help: "Total number of consumed kafka messages grouped by topic and outcome",
		}, []string{"topic", "outcome"}),
		idempotencyCleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		idempotencyCleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records",
		}),
		idempotencyCleanupLastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run",
		}),
	}
}

// RecordCommand фиксирует обработку команды и её статус (200 для успеха).
func (m *OrderMetrics) RecordCommand(command string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, strconv.Itoa(status)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordOrderCreated фиксирует результат создания заказа: "created" или "failed".
func (m *OrderMetrics) RecordOrderCreated(result string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(result).Inc()
}

// RecordStatusChange фиксирует сохранённую смену статуса.
func (m *OrderMetrics) RecordStatusChange(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

// RecordProductValidation фиксирует вызов product-сервиса.
func (m *OrderMetrics) RecordProductValidation(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.productValidation.WithLabelValues(result).Inc()
	m.productValidationDuration.Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent(eventType string) {
	if m == nil {
		return
	}
	m.outboxEvents.WithLabelValues(eventType).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxPublish фиксирует попытку публикации: "sent", "retry_error", "failed" или "dlq_failed".
func (m *OrderMetrics) RecordOutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublishAttempts.WithLabelValues(result).Inc()
}

// SetOutboxBacklog выставляет размер backlog и возраст самого старого pending-сообщения.
func (m *OrderMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 || pending == 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestAge.Set(oldestAge.Seconds())
}

// RecordKafkaMessage фиксирует исход обработки сообщения consumer-ом.
func (m *OrderMetrics) RecordKafkaMessage(topic, outcome string) {
	if m == nil {
		return
	}
	m.kafkaMessages.WithLabelValues(topic, outcome).Inc()
}

// RecordIdempotencyCleanup фиксирует итог прохода очистки: "ok", "partial" или "error".
func (m *OrderMetrics) RecordIdempotencyCleanup(result string, deleted int) {
	if m == nil {
		return
	}
	m.idempotencyCleanupRuns.WithLabelValues(result).Inc()
	if result != "error" {
		m.idempotencyCleanupLastDeleted.Set(float64(deleted))
	}
}

// RecordIdempotencyDeleted увеличивает счётчик удалённых записей одной порции.
func (m *OrderMetrics) RecordIdempotencyDeleted(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.idempotencyCleanupDeleted.Add(float64(deleted))
}
