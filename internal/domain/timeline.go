package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	// TimelineEventOrderCreated фиксирует создание заказа.
	TimelineEventOrderCreated = "OrderCreated"
	// TimelineEventOrderStatusChanged фиксирует смену статуса; Reason содержит новый статус.
	TimelineEventOrderStatusChanged = "OrderStatusChanged"
)

// ErrTimelineEventInvalid возвращается для события без заказа или типа.
var ErrTimelineEventInvalid = errors.New("timeline event must reference an order and have a type")

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

// Normalize проверяет событие и приводит время к UTC. Пустое время заменяется на now.
func (e TimelineEvent) Normalize(now time.Time) (TimelineEvent, error) {
	e.OrderID = strings.TrimSpace(e.OrderID)
	e.Type = strings.TrimSpace(e.Type)
	if e.OrderID == "" || e.Type == "" {
		return TimelineEvent{}, ErrTimelineEventInvalid
	}
	if e.Occurred.IsZero() {
		e.Occurred = now
	}
	e.Occurred = e.Occurred.UTC()
	return e, nil
}
