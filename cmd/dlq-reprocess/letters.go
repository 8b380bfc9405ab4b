package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
)

const (
	kindCommand = "command"
	kindEvent   = "event"
)

// errNotDeadLetter: сообщение не содержит ни одного из известных форматов DLQ.
var errNotDeadLetter = errors.New("message is not a dead letter")

// retryHeaders сбрасываются при повторной отправке, чтобы consumer снова получил полный бюджет попыток.
var retryHeaders = map[string]struct{}{
	kafka.HeaderRetryCount:    {},
	kafka.HeaderOriginalTopic: {},
	kafka.HeaderErrorMessage:  {},
	kafka.HeaderFailedAt:      {},
}

// outboxDeadLetter хранит payload события, которое outbox worker не смог опубликовать.
type outboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	PublishError  string          `json:"publish_error"`
}

type replayMessage struct {
	kind    string
	topic   string
	key     string
	value   []byte
	headers map[string]string
	// name — тип события или имя команды, orderID — заказ, если его удалось определить
	name    string
	orderID string
}

// matches проверяет фильтры -event-type и -order-id.
func (m replayMessage) matches(name, orderID string) bool {
	if name != "" && !strings.EqualFold(m.name, name) {
		return false
	}
	return orderID == "" || m.orderID == orderID
}

// headersWith возвращает исходные заголовки, дополненные extra.
func (m replayMessage) headersWith(extra map[string]string) map[string]string {
	headers := make(map[string]string, len(m.headers)+len(extra))
	for key, value := range m.headers {
		headers[key] = value
	}
	for key, value := range extra {
		headers[key] = value
	}
	return headers
}

// decodeLetter распознаёт два вида записей DLQ: команды, отброшенные consumer-ом
// (kafka.DeadLetter), и события outbox в конверте kafka.OrderEvent.
func decodeLetter(msg *sarama.ConsumerMessage, eventsTopic string) (replayMessage, error) {
	if letter, err := kafka.ParseDeadLetter(msg); err == nil && letter.OriginalValue != "" {
		return commandReplay(letter, eventsTopic), nil
	}

	envelope, err := kafka.ParseOrderEvent(msg)
	if err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, errNotDeadLetter
	}
	return eventReplay(envelope, eventsTopic)
}

func commandReplay(letter *kafka.DeadLetter, fallbackTopic string) replayMessage {
	topic := strings.TrimSpace(letter.OriginalTopic)
	if topic == "" {
		topic = fallbackTopic
	}
	value := []byte(letter.OriginalValue)

	headers := stripRetryHeaders(letter.OriginalHeaders)
	name := strings.TrimSpace(headers[kafka.HeaderCommand])
	var data json.RawMessage = value
	if name == "" {
		if cmd, err := rpc.ParseCommand(value); err == nil {
			name, data = cmd.Name, cmd.Data
		}
	}

	return replayMessage{
		kind:    kindCommand,
		topic:   topic,
		key:     letter.OriginalKey,
		value:   value,
		headers: headers,
		name:    name,
		orderID: commandOrderID(data),
	}
}

// commandOrderID достаёт id заказа из payload findOneOrder/changeOrderStatus.
func commandOrderID(data json.RawMessage) string {
	var payload struct {
		ID string `json:"id"`
	}
	if len(data) == 0 || json.Unmarshal(data, &payload) != nil {
		return ""
	}
	return strings.TrimSpace(payload.ID)
}

func eventReplay(envelope *kafka.OrderEvent, eventsTopic string) (replayMessage, error) {
	var letter outboxDeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return replayMessage{}, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(letter.Payload) == 0 {
		return replayMessage{}, errors.New("outbox dlq payload does not contain original event payload")
	}

	event := kafka.OrderEvent{
		ID:            firstNonEmpty(letter.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(letter.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(letter.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(letter.EventType, envelope.EventType),
		Payload:       letter.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	headers := map[string]string{}
	if event.ID != "" {
		headers[kafka.HeaderEventID] = event.ID
	}
	if event.EventType != "" {
		headers[kafka.HeaderEventType] = event.EventType
	}

	return replayMessage{
		kind:    kindEvent,
		topic:   eventsTopic,
		key:     firstNonEmpty(event.AggregateID, event.ID),
		value:   value,
		headers: headers,
		name:    event.EventType,
		orderID: event.AggregateID,
	}, nil
}

func stripRetryHeaders(original map[string]string) map[string]string {
	headers := make(map[string]string, len(original))
	for key, value := range original {
		if _, skip := retryHeaders[key]; !skip {
			headers[key] = value
		}
	}
	return headers
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
