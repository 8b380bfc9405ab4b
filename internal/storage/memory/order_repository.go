package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// storedOrder хранит заказ вместе с порядковым номером вставки.
type storedOrder struct {
	seq   int64
	order domain.Order
}

// orderRepositoryInMemory реализует OrderRepository поверх map.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	seq   int64
	items map[string]storedOrder
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]storedOrder),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	r.seq++
	r.items[order.ID] = storedOrder{seq: r.seq, order: cloneOrder(order)}
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(stored.order), nil
}

// List возвращает страницу заказов без позиций в порядке вставки.
func (r *orderRepositoryInMemory) List(ctx context.Context, filter domain.OrderFilter, page domain.PageRequest) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	matched := r.matchLocked(filter)
	r.mu.RUnlock()

	offset := page.Offset()
	if offset < 0 || offset >= len(matched) {
		return []domain.Order{}, nil
	}
	end := len(matched)
	if page.Limit > 0 && page.Limit < end-offset {
		end = offset + page.Limit
	}

	result := make([]domain.Order, 0, end-offset)
	for _, stored := range matched[offset:end] {
		order := stored.order
		order.Items = nil
		result = append(result, order)
	}
	return result, nil
}

// Count возвращает количество заказов под фильтр.
func (r *orderRepositoryInMemory) Count(ctx context.Context, filter domain.OrderFilter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return int64(len(r.matchLocked(filter))), nil
}

// Save обновляет статус заказа, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if stored.order.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}

	// Меняются только изменяемые поля, позиции и итоги остаются нетронутыми.
	stored.order.Status = order.Status
	stored.order.UpdatedAt = order.UpdatedAt
	stored.order.Version++
	r.items[order.ID] = stored
	return nil
}

func (r *orderRepositoryInMemory) matchLocked(filter domain.OrderFilter) []storedOrder {
	result := make([]storedOrder, 0, len(r.items))
	for _, stored := range r.items {
		if filter.Status != "" && stored.order.Status != filter.Status {
			continue
		}
		result = append(result, stored)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].seq < result[j].seq
	})
	return result
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	if src.Items != nil {
		dst.Items = append([]domain.OrderItem(nil), src.Items...)
	}
	return dst
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
