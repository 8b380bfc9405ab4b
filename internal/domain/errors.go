package domain

import "errors"

var (
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка некорректного идентификатора товара.
	ErrProductIDInvalid = errors.New("product id must be positive")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total amount does not match items sum")
	// Ошибка несоответствия количества единиц в заказе.
	ErrTotalItemsMismatch = errors.New("order total items does not match items quantity")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order id is required")
	// ErrOrderStatusInvalid — статус не входит в перечисление.
	ErrOrderStatusInvalid = errors.New("invalid order status")
	// ErrPageInvalid: номер страницы меньше 1.
	ErrPageInvalid = errors.New("page must be greater than or equal to 1")
	// ErrLimitInvalid — размер страницы вне допустимого диапазона.
	ErrLimitInvalid = errors.New("limit must be between 1 and 100")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrProductsMissing — product-сервис не вернул часть запрошенных товаров.
	ErrProductsMissing = errors.New("some products were not found")
	// ErrProductValidation — вызов product-сервиса завершился ошибкой или таймаутом.
	ErrProductValidation = errors.New("product validation failed")
	// ErrOrderCreate — обобщённая ошибка создания заказа; причина пишется только в лог.
	ErrOrderCreate = errors.New("order creation failed")
	// Ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsValidation сообщает, что ошибка вызвана некорректным вводом клиента.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrItemsRequired),
		errors.Is(err, ErrItemQtyInvalid),
		errors.Is(err, ErrItemPriceInvalid),
		errors.Is(err, ErrProductIDInvalid),
		errors.Is(err, ErrOrderIDRequired),
		errors.Is(err, ErrOrderStatusInvalid),
		errors.Is(err, ErrPageInvalid),
		errors.Is(err, ErrLimitInvalid):
		return true
	default:
		return false
	}
}
