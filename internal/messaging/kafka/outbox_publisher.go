package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka event publisher is not initialized")

// EventPublisher пишет события заказа из outbox в Kafka.
// Ключ сообщения — id заказа: события одного заказа попадают в одну партицию
// и читаются потребителями в порядке записи.
type EventPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер событий. Пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *EventPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &EventPublisher{producer: producer, topic: topic, now: time.Now}
}

// Topic возвращает topic, в который публикуются события.
func (p *EventPublisher) Topic() string {
	return p.topic
}

// Publish оборачивает payload в OrderEvent и дублирует тип события в заголовках,
// чтобы потребители могли фильтровать сообщения без разбора тела.
func (p *EventPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	if err := p.producer.PublishJSON(p.topic, key, newOrderEvent(event, p.now().UTC()), eventHeaders(event)); err != nil {
		return fmt.Errorf("publish order event %s: %w", event.ID, err)
	}
	return nil
}

func newOrderEvent(event domain.OutboxMessage, publishedAt time.Time) OrderEvent {
	envelope := OrderEvent{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		PublishedAt:   publishedAt,
	}
	// невалидный JSON ломает Marshal всего конверта, такой payload кладём строкой
	switch {
	case len(event.Payload) == 0:
	case json.Valid(event.Payload):
		envelope.Payload = json.RawMessage(event.Payload)
	default:
		quoted, _ := json.Marshal(string(event.Payload))
		envelope.Payload = quoted
	}
	return envelope
}

func eventHeaders(event domain.OutboxMessage) map[string]string {
	headers := make(map[string]string, 3)
	if event.ID != "" {
		headers[HeaderEventID] = event.ID
	}
	if event.EventType != "" {
		headers[HeaderEventType] = event.EventType
	}
	if event.AggregateType != "" {
		headers[HeaderAggregateType] = event.AggregateType
	}
	return headers
}

var _ domain.OutboxPublisher = (*EventPublisher)(nil)
