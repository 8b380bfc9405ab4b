package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orders/internal/health"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
	"github.com/vladislavdragonenkov/orders/internal/service/product"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
	"github.com/vladislavdragonenkov/orders/internal/storage/postgres"
	"github.com/vladislavdragonenkov/orders/internal/version"
)

// runtimeDependencies содержит хранилища и внешние клиенты, выбранные по конфигурации.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	products        domain.ProductValidator

	storageChecker healthcheck.Checker
	closers        []func() error
}

// closeFn закрывает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	products, closeProducts, err := initProductValidator(cfg, logger)
	if err != nil {
		_ = deps.closeFn()
		return nil, err
	}
	deps.products = products
	if closeProducts != nil {
		deps.closers = append(deps.closers, closeProducts)
	}
	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	switch driver {
	case StorageDriverMemory:
		logger.Info("используем in-memory хранилище")
		return &runtimeDependencies{
			repo:            memory.NewOrderRepository(),
			outboxRepo:      memory.NewOutboxRepository(),
			timelineRepo:    memory.NewTimelineRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker: healthcheck.NewStorageChecker("storage", func(context.Context) error {
				return nil
			}),
		}, nil
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres миграции применены")
		}
		logger.Info("используем postgres хранилище")
		return &runtimeDependencies{
			repo:            postgres.NewOrderRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			timelineRepo:    postgres.NewTimelineRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.NewStorageChecker("storage", store.Ping),
			closers:         []func() error{store.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// initProductValidator подключается к product-сервису. Без адреса допускается
// только встроенный каталог и только при AllowMockIntegrations.
func initProductValidator(cfg Config, logger *log.Entry) (domain.ProductValidator, func() error, error) {
	addr := strings.TrimSpace(cfg.ProductServiceAddr)
	if addr == "" {
		if !cfg.AllowMockIntegrations {
			return nil, nil, errors.New("product service address is required when mock integrations are disabled")
		}
		logger.Warn("product service address is not set, using demo catalog")
		return product.DemoCatalog(), nil, nil
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.UserAgent("orders-service")),
		grpc.WithChainUnaryInterceptor(promgrpc.UnaryClientInterceptor),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial product service: %w", err)
	}

	validator := product.NewRemoteValidator(
		rpc.NewClient(conn),
		cfg.ProductTimeout,
		logger.WithField("component", "product-validator"),
	)
	logger.WithField("addr", addr).Info("product service client initialized")
	return validator, conn.Close, nil
}
