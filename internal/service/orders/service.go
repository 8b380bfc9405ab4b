// Package orders реализует жизненный цикл заказа: создание с проверкой товаров,
// постраничный список, чтение с именами товаров и смену статуса.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
)

const defaultProductTimeout = 5 * time.Second

// ItemInput описывает позицию в запросе на создание заказа.
type ItemInput struct {
	ProductID int64
	Quantity  int32
}

// Service выполняет workflow заказов поверх хранилища и product-сервиса.
type Service struct {
	repo     domain.OrderRepository
	products domain.ProductValidator
	timeline domain.TimelineRepository
	outbox   domain.OutboxRepository
	metrics  *metrics.OrderMetrics
	logger   *log.Entry

	productTimeout time.Duration
	now            func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithTimeline включает запись событий timeline.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(s *Service) {
		s.timeline = repo
	}
}

// WithOutbox включает постановку событий в transactional outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(s *Service) {
		s.outbox = repo
	}
}

// WithMetrics задаёт метрики workflow.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithProductTimeout ограничивает время одного вызова product-сервиса.
func WithProductTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		s.productTimeout = timeout
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создаёт workflow заказов.
func NewService(repo domain.OrderRepository, products domain.ProductValidator, options ...Option) *Service {
	s := &Service{
		repo:           repo,
		products:       products,
		productTimeout: defaultProductTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-workflow")
	}
	if s.productTimeout <= 0 {
		s.productTimeout = defaultProductTimeout
	}
	return s
}

// Create проверяет товары, считает итоги и атомарно сохраняет заказ с позициями.
// Ошибки ввода возвращаются как есть, всё остальное оборачивается в domain.ErrOrderCreate.
func (s *Service) Create(ctx context.Context, inputs []ItemInput) (domain.Order, error) {
	if err := validateItemInputs(inputs); err != nil {
		return domain.Order{}, err
	}

	order, err := s.create(ctx, inputs)
	if err != nil {
		s.metrics.RecordOrderCreated("failed")
		s.logger.WithError(err).Error("failed to create order")
		return domain.Order{}, fmt.Errorf("%w: %w", domain.ErrOrderCreate, err)
	}
	s.metrics.RecordOrderCreated("created")

	s.appendTimeline(ctx, order.ID, domain.TimelineEventOrderCreated, string(order.Status), order.CreatedAt)
	s.enqueueOutbox(ctx, order.ID, domain.OutboxEventOrderCreated, newOrderCreatedPayload(order))

	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"total_amount": order.TotalAmount.String(),
		"total_items":  order.TotalItems,
	}).Info("order created")

	return order, nil
}

func (s *Service) create(ctx context.Context, inputs []ItemInput) (domain.Order, error) {
	items := make([]domain.OrderItem, 0, len(inputs))
	for _, in := range inputs {
		items = append(items, domain.OrderItem{ProductID: in.ProductID, Quantity: in.Quantity})
	}
	ids := domain.DistinctProductIDs(items)

	products, err := s.validateProducts(ctx, ids)
	if err != nil {
		return domain.Order{}, err
	}
	index := domain.IndexProducts(products)
	if missing := index.Missing(ids); len(missing) > 0 {
		return domain.Order{}, fmt.Errorf("%w: %v", domain.ErrProductsMissing, missing)
	}

	now := s.now()
	orderID := uuid.NewString()
	for i := range items {
		product := index[items[i].ProductID]
		items[i].ID = uuid.NewString()
		items[i].OrderID = orderID
		items[i].Price = product.Price
		items[i].CreatedAt = now
	}

	amount, count := domain.ComputeTotals(items)
	order := domain.Order{
		ID:          orderID,
		TotalAmount: amount,
		TotalItems:  count,
		Status:      domain.OrderStatusPending,
		Items:       items,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	// Имена не хранятся: в хранилище уходят только снимки цен.
	if err := s.repo.Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}

	annotateNames(order.Items, index)
	return order, nil
}

// List возвращает страницу заказов в порядке создания.
func (s *Service) List(ctx context.Context, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	if err := page.Validate(); err != nil {
		return domain.OrderPage{}, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.OrderPage{}, fmt.Errorf("%w: %q", domain.ErrOrderStatusInvalid, filter.Status)
	}

	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return domain.OrderPage{}, fmt.Errorf("count orders: %w", err)
	}

	orders, err := s.repo.List(ctx, filter, page)
	if err != nil {
		return domain.OrderPage{}, fmt.Errorf("list orders: %w", err)
	}

	return domain.OrderPage{Orders: orders, Meta: domain.NewPageMeta(total, page)}, nil
}

// Get возвращает заказ с позициями, подписанными именами товаров.
// Отказ product-сервиса возвращается как domain.ErrProductValidation.
func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.load(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	products, err := s.validateProducts(ctx, order.ProductIDs())
	if err != nil {
		s.logger.WithError(err).WithField("order_id", id).Error("failed to resolve order products")
		return domain.Order{}, err
	}

	index := domain.IndexProducts(products)
	if missing := index.Missing(order.ProductIDs()); len(missing) > 0 {
		s.logger.WithFields(log.Fields{
			"order_id":    id,
			"product_ids": missing,
		}).Warn("products are missing in product service reply")
	}
	annotateNames(order.Items, index)

	return order, nil
}

// ChangeStatus меняет статус заказа. Тот же статус возвращает заказ без записи.
func (s *Service) ChangeStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error) {
	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: %q", domain.ErrOrderStatusInvalid, status)
	}

	order, err := s.load(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == status {
		return order, nil
	}

	previous := order.Status
	order.Status = status
	order.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, order); err != nil {
		if domain.IsVersionConflict(err) || errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("save order: %w", err)
	}
	order.Version++
	s.metrics.RecordStatusChange(string(status))

	s.appendTimeline(ctx, order.ID, domain.TimelineEventOrderStatusChanged, string(status), order.UpdatedAt)
	s.enqueueOutbox(ctx, order.ID, domain.OutboxEventOrderStatusChanged, newStatusChangedPayload(order, previous))

	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     previous,
		"to":       status,
	}).Info("order status changed")

	return order, nil
}

// Timeline возвращает события заказа в хронологическом порядке.
func (s *Service) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}

	events, err := s.timeline.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	return events, nil
}

func (s *Service) load(ctx context.Context, id string) (domain.Order, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("load order %s: %w", id, err)
	}
	return order, nil
}

func (s *Service) validateProducts(ctx context.Context, ids []int64) ([]domain.Product, error) {
	if s.products == nil {
		return nil, errors.New("product validator is not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.productTimeout)
	defer cancel()

	started := time.Now()
	products, err := s.products.ValidateProducts(callCtx, ids)
	duration := time.Since(started)

	switch {
	case err == nil:
		s.metrics.RecordProductValidation("ok", duration)
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.RecordProductValidation("timeout", duration)
	default:
		s.metrics.RecordProductValidation("error", duration)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProductValidation, err)
	}
	return products, nil
}

func (s *Service) appendTimeline(ctx context.Context, orderID, eventType, reason string, occurred time.Time) {
	if s.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: occurred,
	}
	if err := s.timeline.Append(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("failed to append timeline event")
		return
	}
	s.metrics.RecordTimelineEvent()
}

func (s *Service) enqueueOutbox(ctx context.Context, orderID, eventType string, payload any) {
	if s.outbox == nil {
		return
	}

	data, err := marshalPayload(payload)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to encode outbox payload")
		return
	}

	msg, err := domain.NewOrderOutboxMessage(orderID, eventType, data)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("invalid outbox event")
		return
	}
	if _, err := s.outbox.Enqueue(ctx, msg); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":   orderID,
			"event_type": eventType,
		}).Warn("failed to enqueue outbox event")
		return
	}
	s.metrics.RecordOutboxEvent(eventType)
}

func validateItemInputs(inputs []ItemInput) error {
	if len(inputs) == 0 {
		return domain.ErrItemsRequired
	}
	for idx, in := range inputs {
		if in.ProductID <= 0 {
			return fmt.Errorf("item[%d]: %w", idx, domain.ErrProductIDInvalid)
		}
		if in.Quantity <= 0 {
			return fmt.Errorf("item[%d]: %w", idx, domain.ErrItemQtyInvalid)
		}
	}
	return nil
}

func annotateNames(items []domain.OrderItem, index domain.ProductIndex) {
	for i := range items {
		if product, ok := index[items[i].ProductID]; ok {
			items[i].Name = product.Name
		}
	}
}
