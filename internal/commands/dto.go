package commands

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

type createOrderRequest struct {
	Items []createOrderItem `json:"items"`
}

type createOrderItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}

type findAllOrdersRequest struct {
	Status string `json:"status,omitempty"`
	Page   *int   `json:"page,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

type orderIDRequest struct {
	ID string `json:"id"`
}

type changeOrderStatusRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// OrderDTO — заказ в ответе команды.
type OrderDTO struct {
	ID          string          `json:"id"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	TotalItems  int64           `json:"totalItems"`
	Status      string          `json:"status"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Items       []OrderItemDTO  `json:"items,omitempty"`
}

// OrderItemDTO — позиция заказа. Name заполнен только там, где позиции подписаны.
type OrderItemDTO struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	ProductID int64           `json:"productId"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int32           `json:"quantity"`
	Name      string          `json:"name,omitempty"`
}

// PageMetaDTO описывает страницу.
type PageMetaDTO struct {
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	LastPage int   `json:"lastPage"`
}

// OrderListDTO — ответ findAllOrders.
type OrderListDTO struct {
	Data []OrderDTO  `json:"data"`
	Meta PageMetaDTO `json:"meta"`
}

// TimelineEventDTO описывает событие жизненного цикла заказа.
type TimelineEventDTO struct {
	Type       string    `json:"type"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

// TimelineDTO возвращается командой findOrderTimeline.
type TimelineDTO struct {
	Data []TimelineEventDTO `json:"data"`
}

func toOrderDTO(order domain.Order) OrderDTO {
	dto := OrderDTO{
		ID:          order.ID,
		TotalAmount: order.TotalAmount,
		TotalItems:  order.TotalItems,
		Status:      string(order.Status),
		Version:     order.Version,
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
	}
	if len(order.Items) > 0 {
		dto.Items = make([]OrderItemDTO, 0, len(order.Items))
		for _, item := range order.Items {
			dto.Items = append(dto.Items, OrderItemDTO{
				ID:        item.ID,
				OrderID:   item.OrderID,
				ProductID: item.ProductID,
				Price:     item.Price,
				Quantity:  item.Quantity,
				Name:      item.Name,
			})
		}
	}
	return dto
}

func toOrderListDTO(page domain.OrderPage) OrderListDTO {
	data := make([]OrderDTO, 0, len(page.Orders))
	for _, order := range page.Orders {
		data = append(data, toOrderDTO(order))
	}
	return OrderListDTO{
		Data: data,
		Meta: PageMetaDTO{
			Total:    page.Meta.Total,
			Page:     page.Meta.Page,
			LastPage: page.Meta.LastPage,
		},
	}
}

func toTimelineDTO(events []domain.TimelineEvent) TimelineDTO {
	data := make([]TimelineEventDTO, 0, len(events))
	for _, event := range events {
		data = append(data, TimelineEventDTO{
			Type:       event.Type,
			Reason:     event.Reason,
			OccurredAt: event.Occurred.UTC(),
		})
	}
	return TimelineDTO{Data: data}
}
