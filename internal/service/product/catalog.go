package product

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// Catalog реализует ProductValidator в памяти для локального запуска и тестов.
// Ведёт себя как product-сервис: неизвестные id молча пропускаются.
type Catalog struct {
	mu       sync.RWMutex
	products map[int64]domain.Product

	// Err, если задан, возвращается из ValidateProducts вместо ответа.
	Err   error
	calls int
}

// NewCatalog создаёт каталог с переданными товарами.
func NewCatalog(products ...domain.Product) *Catalog {
	c := &Catalog{products: make(map[int64]domain.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// DemoCatalog возвращает небольшой каталог для запуска без product-сервиса.
func DemoCatalog() *Catalog {
	return NewCatalog(
		domain.Product{ID: 1, Name: "Keyboard", Price: decimal.RequireFromString("49.90")},
		domain.Product{ID: 2, Name: "Mouse", Price: decimal.RequireFromString("19.99")},
		domain.Product{ID: 3, Name: "Monitor", Price: decimal.RequireFromString("189.00")},
		domain.Product{ID: 4, Name: "USB-C Cable", Price: decimal.RequireFromString("7.50")},
		domain.Product{ID: 5, Name: "Headset", Price: decimal.RequireFromString("79.00")},
	)
}

// Put добавляет или заменяет товар.
func (c *Catalog) Put(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// Remove удаляет товар из каталога.
func (c *Catalog) Remove(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, id)
}

// Calls возвращает количество вызовов ValidateProducts.
func (c *Catalog) Calls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls
}

// ValidateProducts возвращает найденные товары в порядке запроса.
func (c *Catalog) ValidateProducts(ctx context.Context, ids []int64) ([]domain.Product, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Err != nil {
		return nil, c.Err
	}

	result := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

var _ domain.ProductValidator = (*Catalog)(nil)
