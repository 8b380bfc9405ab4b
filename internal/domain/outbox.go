package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	// OutboxAggregateOrder — тип агрегата для событий заказа.
	OutboxAggregateOrder = "order"
	// OutboxEventOrderCreated публикуется после создания заказа.
	OutboxEventOrderCreated = "order.created"
	// OutboxEventOrderStatusChanged публикуется после смены статуса.
	OutboxEventOrderStatusChanged = "order.status_changed"
)

// ErrOutboxMessageInvalid возвращается для события без агрегата или типа,
// а также для payload, который не является JSON.
var ErrOutboxMessageInvalid = errors.New("outbox message is invalid")

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// NewOrderOutboxMessage собирает событие заказа. payload может быть пустым.
func NewOrderOutboxMessage(orderID, eventType string, payload []byte) (OutboxMessage, error) {
	msg := OutboxMessage{
		AggregateType: OutboxAggregateOrder,
		AggregateID:   strings.TrimSpace(orderID),
		EventType:     strings.TrimSpace(eventType),
		Payload:       payload,
	}
	if err := msg.Validate(); err != nil {
		return OutboxMessage{}, err
	}
	return msg, nil
}

// Validate проверяет, что событие можно сохранить и опубликовать.
func (m OutboxMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.AggregateType) == "":
		return errors.Join(ErrOutboxMessageInvalid, errors.New("aggregate type is required"))
	case strings.TrimSpace(m.AggregateID) == "":
		return errors.Join(ErrOutboxMessageInvalid, errors.New("aggregate id is required"))
	case strings.TrimSpace(m.EventType) == "":
		return errors.Join(ErrOutboxMessageInvalid, errors.New("event type is required"))
	case len(m.Payload) > 0 && !json.Valid(m.Payload):
		return errors.Join(ErrOutboxMessageInvalid, errors.New("payload must be valid JSON"))
	}
	return nil
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OldestAge возвращает возраст самого старого pending-сообщения относительно now.
func (s OutboxStats) OldestAge(now time.Time) time.Duration {
	if s.PendingCount == 0 || s.OldestPendingAt.IsZero() {
		return 0
	}
	return max(now.Sub(s.OldestPendingAt), 0)
}
