// Package commands связывает именованные команды транспорта с workflow заказов.
// Здесь же находится единственное место отображения доменных ошибок в rpc.Error.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
	"github.com/vladislavdragonenkov/orders/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orders/internal/service/orders"
)

// Имена команд — часть контракта транспорта.
const (
	CreateOrder       = "createOrder"
	FindAllOrders     = "findAllOrders"
	FindOneOrder      = "findOneOrder"
	ChangeOrderStatus = "changeOrderStatus"
	FindOrderTimeline = "findOrderTimeline"
)

const (
	createFailedMessage       = "Check logs"
	productsFailedMessage     = "failed to resolve order products"
	malformedPayloadMessage   = "malformed command payload"
	versionConflictMessage    = "order was modified concurrently, retry the request"
	internalErrorMessage      = "internal server error"
	unknownCommandMetricLabel = "unknown"
)

type handlerFunc func(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

// Router реализует rpc.Dispatcher поверх orders.Service.
type Router struct {
	orders   *orders.Service
	guard    *idempotency.Guard
	metrics  *metrics.OrderMetrics
	logger   *log.Entry
	handlers map[string]handlerFunc
}

// Option настраивает Router.
type Option func(*Router)

// WithIdempotency включает кэширование createOrder по idempotency-key.
func WithIdempotency(guard *idempotency.Guard) Option {
	return func(r *Router) {
		r.guard = guard
	}
}

// WithMetrics задаёт метрики команд.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter создаёт маршрутизатор команд.
func NewRouter(svc *orders.Service, options ...Option) *Router {
	r := &Router{orders: svc}
	for _, option := range options {
		option(r)
	}
	if r.logger == nil {
		r.logger = log.WithField("component", "command-router")
	}

	r.handlers = map[string]handlerFunc{
		CreateOrder:       r.createOrder,
		FindAllOrders:     r.findAllOrders,
		FindOneOrder:      r.findOneOrder,
		ChangeOrderStatus: r.changeOrderStatus,
		FindOrderTimeline: r.findOrderTimeline,
	}
	return r
}

// Commands возвращает имена поддерживаемых команд.
func (r *Router) Commands() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch исполняет команду. Возвращаемая ошибка всегда *rpc.Error.
func (r *Router) Dispatch(ctx context.Context, cmd rpc.Command) (json.RawMessage, error) {
	started := time.Now()

	handler, ok := r.handlers[cmd.Name]
	if !ok {
		err := rpc.BadRequest(fmt.Sprintf("unknown command %s", cmd.Name))
		r.metrics.RecordCommand(unknownCommandMetricLabel, err.Status, time.Since(started))
		return nil, err
	}

	resp, err := handler(ctx, cmd.Data)
	if err != nil {
		rpcErr := rpc.AsError(err)
		r.metrics.RecordCommand(cmd.Name, rpcErr.Status, time.Since(started))
		r.logger.WithFields(log.Fields{
			"command": cmd.Name,
			"status":  rpcErr.Status,
		}).Debug("command failed")
		return nil, rpcErr
	}

	r.metrics.RecordCommand(cmd.Name, http.StatusOK, time.Since(started))
	return resp, nil
}

func (r *Router) createOrder(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	key := rpc.IdempotencyKeyFromContext(ctx)
	return r.guard.Do(ctx, key, CreateOrder, data, func(ctx context.Context) (json.RawMessage, error) {
		var req createOrderRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}

		inputs := make([]orders.ItemInput, 0, len(req.Items))
		for _, item := range req.Items {
			inputs = append(inputs, orders.ItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
		}

		order, err := r.orders.Create(ctx, inputs)
		if err != nil {
			mapped := r.mapError(err, "")
			if errors.Is(err, domain.ErrProductValidation) {
				// отказ product-сервиса временный, повтор с тем же ключом должен выполниться заново
				return nil, idempotency.Retryable(mapped)
			}
			return nil, mapped
		}
		return encode(toOrderDTO(order))
	})
}

func (r *Router) findAllOrders(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var req findAllOrdersRequest
	if err := decodeOptional(data, &req); err != nil {
		return nil, err
	}

	filter := domain.OrderFilter{}
	if strings.TrimSpace(req.Status) != "" {
		status, err := domain.ParseOrderStatus(req.Status)
		if err != nil {
			return nil, r.mapError(err, "")
		}
		filter.Status = status
	}

	page := domain.PageRequest{Page: domain.DefaultPage, Limit: domain.DefaultPageLimit}
	if req.Page != nil {
		page.Page = *req.Page
	}
	if req.Limit != nil {
		page.Limit = *req.Limit
	}

	result, err := r.orders.List(ctx, filter, page)
	if err != nil {
		return nil, r.mapError(err, "")
	}
	return encode(toOrderListDTO(result))
}

func (r *Router) findOneOrder(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var req orderIDRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	id, err := parseOrderID(req.ID)
	if err != nil {
		return nil, err
	}

	order, err := r.orders.Get(ctx, id)
	if err != nil {
		return nil, r.mapError(err, id)
	}
	return encode(toOrderDTO(order))
}

func (r *Router) changeOrderStatus(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var req changeOrderStatusRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	id, err := parseOrderID(req.ID)
	if err != nil {
		return nil, err
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		return nil, r.mapError(err, id)
	}

	order, err := r.orders.ChangeStatus(ctx, id, status)
	if err != nil {
		return nil, r.mapError(err, id)
	}
	return encode(toOrderDTO(order))
}

func (r *Router) findOrderTimeline(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var req orderIDRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	id, err := parseOrderID(req.ID)
	if err != nil {
		return nil, err
	}

	events, err := r.orders.Timeline(ctx, id)
	if err != nil {
		return nil, r.mapError(err, id)
	}
	return encode(toTimelineDTO(events))
}

// mapError отображает ошибку workflow в ошибку для клиента.
func (r *Router) mapError(err error, orderID string) error {
	// ошибки product-сервиса могут нести *rpc.Error транспорта, поэтому маскируются раньше errors.As
	var rpcErr *rpc.Error
	switch {
	case errors.Is(err, domain.ErrOrderCreate):
		return rpc.BadRequest(createFailedMessage)
	case errors.Is(err, domain.ErrProductValidation):
		return rpc.Unavailable(productsFailedMessage)
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, domain.ErrOrderNotFound):
		return rpc.NotFound(fmt.Sprintf("Order with id %s not found", orderID))
	case domain.IsValidation(err):
		return rpc.BadRequest(err.Error())
	case domain.IsVersionConflict(err):
		return rpc.Conflict(versionConflictMessage)
	case domain.IsIdempotencyConflict(err):
		return rpc.Conflict(err.Error())
	default:
		r.logger.WithError(err).WithField("order_id", orderID).Error("command failed with unexpected error")
		return rpc.Internal(internalErrorMessage)
	}
}

func parseOrderID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", rpc.BadRequest(domain.ErrOrderIDRequired.Error())
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return "", rpc.BadRequest(fmt.Sprintf("invalid order id %q", raw))
	}
	return id.String(), nil
}

func decode(data json.RawMessage, dst any) error {
	if isEmptyPayload(data) {
		return rpc.BadRequest("command payload is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return rpc.BadRequest(malformedPayloadMessage)
	}
	return nil
}

func decodeOptional(data json.RawMessage, dst any) error {
	if isEmptyPayload(data) {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return rpc.BadRequest(malformedPayloadMessage)
	}
	return nil
}

func isEmptyPayload(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return raw, nil
}
