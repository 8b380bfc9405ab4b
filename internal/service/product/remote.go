package product

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
)

const (
	// ValidateProductsCommand — команда product-сервиса.
	ValidateProductsCommand = "validate_products"

	defaultTimeout = 5 * time.Second
)

// Sender отправляет команду и декодирует ответ; реализуется *rpc.Client.
type Sender interface {
	Send(ctx context.Context, cmd string, in, out any) error
}

type senderFunc func(ctx context.Context, cmd string, in, out any) error

func (f senderFunc) Send(ctx context.Context, cmd string, in, out any) error {
	return f(ctx, cmd, in, out)
}

// productDTO — товар в ответе validate_products. Цена может прийти числом или строкой.
type productDTO struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// RemoteValidator вызывает validate_products у product-сервиса через командный транспорт.
type RemoteValidator struct {
	sender  Sender
	timeout time.Duration
	logger  *log.Entry
}

// NewRemoteValidator создаёт валидатор поверх rpc-клиента.
// timeout <= 0 заменяется значением по умолчанию (5s).
func NewRemoteValidator(client *rpc.Client, timeout time.Duration, logger *log.Entry) *RemoteValidator {
	return newRemoteValidator(senderFunc(func(ctx context.Context, cmd string, in, out any) error {
		return client.Send(ctx, cmd, in, out)
	}), timeout, logger)
}

func newRemoteValidator(sender Sender, timeout time.Duration, logger *log.Entry) *RemoteValidator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = log.WithField("component", "product-validator")
	}
	return &RemoteValidator{sender: sender, timeout: timeout, logger: logger}
}

// ValidateProducts запрашивает товары по id. Любая ошибка транспорта или таймаут
// оборачиваются в domain.ErrProductValidation.
func (v *RemoteValidator) ValidateProducts(ctx context.Context, ids []int64) ([]domain.Product, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var reply []productDTO
	if err := v.sender.Send(callCtx, ValidateProductsCommand, ids, &reply); err != nil {
		v.logger.WithError(err).WithField("product_ids", ids).Warn("validate_products call failed")
		return nil, fmt.Errorf("%w: %w", domain.ErrProductValidation, err)
	}

	products := make([]domain.Product, 0, len(reply))
	for _, p := range reply {
		products = append(products, domain.Product{ID: p.ID, Name: p.Name, Price: p.Price})
	}
	return products, nil
}

var _ domain.ProductValidator = (*RemoteValidator)(nil)
