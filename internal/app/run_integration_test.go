package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vladislavdragonenkov/orders/internal/commands"
	"github.com/vladislavdragonenkov/orders/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orders/internal/health"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
)

func testRunConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.GRPCAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.StorageDriver = StorageDriverMemory
	cfg.AllowMockIntegrations = true
	cfg.KafkaBrokers = ""
	return cfg
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := testRunConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := testRunConfig(t)
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_RequiresProductServiceWithoutMocks(t *testing.T) {
	cfg := testRunConfig(t)
	cfg.AllowMockIntegrations = false

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "product service address is required") {
		t.Fatalf("expected product service error, got %v", err)
	}
}

func TestRun_ServesCommandsOverGRPC(t *testing.T) {
	cfg := testRunConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- Run(ctx, cfg) }()
	defer func() {
		cancel()
		if err := <-runErr; !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled from Run, got %v", err)
		}
	}()

	conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := rpc.NewClient(conn)

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	var created commands.OrderDTO
	err = client.Send(callCtx, commands.CreateOrder, map[string]any{
		"items": []map[string]any{{"productId": 1, "quantity": 2}},
	}, &created, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("createOrder failed: %v", err)
	}
	if created.Status != string(domain.OrderStatusPending) {
		t.Fatalf("expected PENDING order, got %s", created.Status)
	}
	// Keyboard из демо-каталога стоит 49.90.
	if !created.TotalAmount.Equal(decimal.RequireFromString("99.80")) {
		t.Fatalf("unexpected total amount: %s", created.TotalAmount)
	}

	var found commands.OrderDTO
	if err := client.Send(callCtx, commands.FindOneOrder, map[string]string{"id": created.ID}, &found); err != nil {
		t.Fatalf("findOneOrder failed: %v", err)
	}
	if found.ID != created.ID || len(found.Items) != 1 || found.Items[0].Name != "Keyboard" {
		t.Fatalf("unexpected order: %+v", found)
	}

	err = client.Send(callCtx, "dropOrders", nil, nil)
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Status != 400 {
		t.Fatalf("expected 400 for unknown command, got %v", err)
	}
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := postgresTestDSNCandidate()
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true
	cfg.AllowMockIntegrations = true

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.closeFn() }()

	if deps.repo == nil || deps.outboxRepo == nil || deps.timelineRepo == nil || deps.idempotencyRepo == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	check := deps.storageChecker.Check(context.Background())
	if check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy storage checker, got %+v", check)
	}
}

func TestNewOutboxWorker_WithoutKafkaDrainsToLog(t *testing.T) {
	repo := memory.NewOutboxRepository()
	if _, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: domain.OutboxAggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.OutboxEventOrderCreated,
		Payload:       []byte(`{}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker := newOutboxWorker(DefaultConfig(), repo, nil, nil, log.WithField("test", "outbox"))
	worker.ProcessOnce(context.Background())

	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("expected no pending events, got %d", len(pending))
	}
}

func TestShutdownHelpers(t *testing.T) {
	logger := log.WithField("test", "shutdown")

	started := make(chan struct{})
	stopped := make(chan struct{})
	workers := startWorkers(context.Background(), logger, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(stopped)
	})
	<-started
	workers.stop(logger)

	select {
	case <-stopped:
	default:
		t.Fatal("expected worker to observe cancellation before stop returns")
	}

	var nilWorkers *backgroundWorkers
	nilWorkers.stop(logger)
	stopConsumer(nil, logger)
	closeKafka(nil, logger)
}

func TestRuntimeDependencies_CloseFnReverseOrder(t *testing.T) {
	var order []string
	deps := &runtimeDependencies{closers: []func() error{
		func() error { order = append(order, "store"); return nil },
		func() error { order = append(order, "client"); return errors.New("boom") },
	}}

	err := deps.closeFn()
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined close error, got %v", err)
	}
	if strings.Join(order, ",") != "client,store" {
		t.Fatalf("unexpected close order: %v", order)
	}
	if err := deps.closeFn(); err != nil {
		t.Fatalf("second closeFn should be a no-op, got %v", err)
	}
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("ORDERS_POSTGRES_TEST_DSN"))
}
