package domain

import "context"

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create атомарно сохраняет заказ вместе с позициями.
	// Возвращает ErrOrderVersionConflict, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ с позициями или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// List возвращает страницу заказов без позиций в порядке вставки.
	List(ctx context.Context, filter OrderFilter, page PageRequest) ([]Order, error)
	// Count возвращает количество заказов, подходящих под фильтр.
	Count(ctx context.Context, filter OrderFilter) (int64, error)
	// Save обновляет статус и updated_at с учётом optimistic locking по Version.
	Save(ctx context.Context, order Order) error
}
