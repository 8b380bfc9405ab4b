package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/orders/internal/commands"
	"github.com/vladislavdragonenkov/orders/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orders/internal/health"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
	grpcsvc "github.com/vladislavdragonenkov/orders/internal/service/grpc"
	"github.com/vladislavdragonenkov/orders/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orders/internal/service/orders"
	"github.com/vladislavdragonenkov/orders/internal/service/outbox"
	"github.com/vladislavdragonenkov/orders/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run собирает сервис заказов и блокируется до отмены ctx или падения gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close dependencies")
		}
	}()

	orderMetrics := metrics.NewOrderMetrics()
	service := orders.NewService(deps.repo, deps.products,
		orders.WithTimeline(deps.timelineRepo),
		orders.WithOutbox(deps.outboxRepo),
		orders.WithMetrics(orderMetrics),
		orders.WithProductTimeout(cfg.ProductTimeout),
		orders.WithLogger(logger.WithField("layer", "service")),
	)
	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithGuardLogger(logger.WithField("layer", "idempotency")),
	)
	router := commands.NewRouter(service,
		commands.WithIdempotency(guard),
		commands.WithMetrics(orderMetrics),
		commands.WithLogger(logger.WithField("layer", "commands")),
	)

	// Kafka опциональна: без брокеров команды принимаются только по gRPC.
	kafkaProducer := connectKafka(cfg.KafkaBrokers, logger)
	defer closeKafka(kafkaProducer, logger)

	workers := startWorkers(ctx, logger,
		newOutboxWorker(cfg, deps.outboxRepo, kafkaProducer, orderMetrics, logger).Run,
		idempotency.NewCleanupWorker(deps.idempotencyRepo,
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
			idempotency.WithCleanupMetrics(orderMetrics),
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup-worker")),
		).Run,
	)
	defer workers.stop(logger)

	var commandConsumer *kafka.Consumer
	if kafkaProducer != nil {
		commandConsumer, err = initCommandConsumer(cfg, router, kafkaProducer, orderMetrics, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to create kafka consumer, commands are served over grpc only")
		} else if err := commandConsumer.Start(workers.ctx); err != nil {
			logger.WithError(err).Warn("failed to start kafka consumer")
			commandConsumer = nil
		}
	}
	defer stopConsumer(commandConsumer, logger)

	grpcServer, healthServer := newGRPCServer(router, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker("outbox", deps.outboxRepo, cfg.OutboxMaxPending, 0))
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("commands", router.Commands()).Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		healthHandler.MarkDraining()
		stopGRPC(grpcServer, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newGRPCServer регистрирует CommandService, health и reflection.
func newGRPCServer(dispatcher rpc.Dispatcher, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		grpcsvc.RequestIDUnaryInterceptor(),
		grpcsvc.LoggingUnaryInterceptor(logger.WithField("layer", "grpc")),
	))

	rpc.RegisterCommandServiceServer(grpcServer, grpcsvc.NewCommandServer(dispatcher, logger.WithField("layer", "grpc")))
	grpcMetrics.InitializeMetrics(grpcServer)

	// reflection нужен grpcurl и orderctl-отладке
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return grpcServer, healthServer
}

// newOutboxWorker выбирает паблишер: Kafka при наличии producer-а, иначе лог.
func newOutboxWorker(cfg Config, repo domain.OutboxRepository, producer *kafka.Producer, orderMetrics *metrics.OrderMetrics, logger *log.Entry) *outbox.Worker {
	options := []outbox.Option{
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithMetrics(orderMetrics),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
	}

	var publisher domain.OutboxPublisher
	if producer != nil {
		publisher = kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents)
		options = append(options, outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)))
	} else {
		logger.Warn("kafka is not configured, outbox events are written to log")
		publisher = outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher"))
	}
	return outbox.NewWorker(repo, publisher, options...)
}

// backgroundWorkers держит фоновые циклы с общим контекстом отмены.
type backgroundWorkers struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startWorkers(ctx context.Context, logger *log.Entry, runs ...func(context.Context)) *backgroundWorkers {
	workerCtx, cancel := context.WithCancel(ctx)
	w := &backgroundWorkers{ctx: workerCtx, cancel: cancel}
	for _, run := range runs {
		w.wg.Add(1)
		go func(run func(context.Context)) {
			defer w.wg.Done()
			run(workerCtx)
		}(run)
	}
	logger.WithField("workers", len(runs)).Debug("background workers started")
	return w
}

// stop отменяет воркеры и ждёт их завершения не дольше shutdownTimeout.
func (w *backgroundWorkers) stop(logger *log.Entry) {
	if w == nil {
		return
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("background workers did not stop in time")
	}
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}

// stopGRPC пытается остановиться gracefully и принудительно закрывает соединения по таймауту.
func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health-проб.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
