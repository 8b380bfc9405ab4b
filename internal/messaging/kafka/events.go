package kafka

import (
	"encoding/json"
	"time"
)

// Topics для Kafka
const (
	TopicCommands        = "orders.commands"
	TopicOrderEvents     = "orders.events"
	TopicDeadLetterQueue = "orders.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers командного транспорта
const (
	HeaderCommand        = "x-command"
	HeaderCorrelationID  = "x-correlation-id"
	HeaderReplyTo        = "x-reply-to"
	HeaderIdempotencyKey = "idempotency-key"
)

// Kafka headers событий заказа
const (
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderEvent — конверт события заказа, публикуемого из outbox.
type OrderEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// DeadLetter описывает содержимое сообщения в DLQ.
type DeadLetter struct {
	OriginalTopic     string            `json:"original_topic"`
	OriginalPartition int32             `json:"original_partition"`
	OriginalOffset    int64             `json:"original_offset"`
	OriginalKey       string            `json:"original_key"`
	OriginalValue     string            `json:"original_value"`
	OriginalHeaders   map[string]string `json:"original_headers,omitempty"`
	ErrorMessage      string            `json:"error_message"`
	FailedAt          time.Time         `json:"failed_at"`
	RetryCount        int               `json:"retry_count"`
}
