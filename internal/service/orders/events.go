package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// OrderCreatedPayload — payload события order.created.
type OrderCreatedPayload struct {
	OrderID     string          `json:"order_id"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalItems  int64           `json:"total_items"`
	ProductIDs  []int64         `json:"product_ids"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// OrderStatusChangedPayload — payload события order.status_changed.
type OrderStatusChangedPayload struct {
	OrderID        string    `json:"order_id"`
	PreviousStatus string    `json:"previous_status"`
	Status         string    `json:"status"`
	Version        int64     `json:"version"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func newOrderCreatedPayload(order domain.Order) OrderCreatedPayload {
	return OrderCreatedPayload{
		OrderID:     order.ID,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount,
		TotalItems:  order.TotalItems,
		ProductIDs:  order.ProductIDs(),
		OccurredAt:  order.CreatedAt,
	}
}

func newStatusChangedPayload(order domain.Order, previous domain.OrderStatus) OrderStatusChangedPayload {
	return OrderStatusChangedPayload{
		OrderID:        order.ID,
		PreviousStatus: string(previous),
		Status:         string(order.Status),
		Version:        order.Version,
		OccurredAt:     order.UpdatedAt,
	}
}

func marshalPayload(payload any) ([]byte, error) {
	return json.Marshal(payload)
}
