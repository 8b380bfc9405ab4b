package domain

import "math"

const (
	// DefaultPage — номер страницы, если клиент его не передал.
	DefaultPage = 1
	// DefaultPageLimit — размер страницы по умолчанию.
	DefaultPageLimit = 10
	// MaxPageLimit ограничивает размер одной страницы.
	MaxPageLimit = 100
)

// PageRequest описывает окно выборки.
type PageRequest struct {
	Page  int
	Limit int
}

// Validate проверяет page >= 1 и 1 <= limit <= MaxPageLimit. Страница, смещение
// которой не помещается в int, тоже считается некорректной.
func (p PageRequest) Validate() error {
	if p.Page < 1 {
		return ErrPageInvalid
	}
	if p.Limit < 1 || p.Limit > MaxPageLimit {
		return ErrLimitInvalid
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return ErrPageInvalid
	}
	return nil
}

// Offset возвращает количество пропускаемых записей. При переполнении возвращается math.MaxInt.
func (p PageRequest) Offset() int {
	if p.Page < 1 || p.Limit < 1 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Limit
}

// PageMeta описывает постраничную выборку.
type PageMeta struct {
	Total    int64
	Page     int
	LastPage int
}

// NewPageMeta считает lastPage = ceil(total/limit).
func NewPageMeta(total int64, req PageRequest) PageMeta {
	meta := PageMeta{Total: total, Page: req.Page}
	if req.Limit > 0 {
		limit := int64(req.Limit)
		meta.LastPage = int((total + limit - 1) / limit)
	}
	return meta
}

// OrderFilter задаёт условия выборки заказов. Пустой Status означает «любой».
type OrderFilter struct {
	Status OrderStatus
}

// OrderPage содержит страницу заказов вместе с метаданными.
type OrderPage struct {
	Orders []Order
	Meta   PageMeta
}
