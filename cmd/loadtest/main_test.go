package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/orders/internal/commands"
	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
	grpcsvc "github.com/vladislavdragonenkov/orders/internal/service/grpc"
	"github.com/vladislavdragonenkov/orders/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orders/internal/service/orders"
	"github.com/vladislavdragonenkov/orders/internal/service/product"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
)

type sentCommand struct {
	name string
	key  string
	in   any
}

// fakeSender отвечает фиксированным заказом и запоминает отправленные команды.
type fakeSender struct {
	mu    sync.Mutex
	sent  []sentCommand
	errOn string
}

func (f *fakeSender) Send(ctx context.Context, cmd string, in, out any, _ ...grpc.CallOption) error {
	var key string
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if values := md.Get(rpc.IdempotencyKeyHeader); len(values) > 0 {
			key = values[0]
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, sentCommand{name: cmd, key: key, in: in})
	f.mu.Unlock()

	if cmd == f.errOn {
		return rpc.Conflict("Order version conflict")
	}
	if dto, ok := out.(*commands.OrderDTO); ok {
		dto.ID = "order-1"
	}
	return nil
}

func (f *fakeSender) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		names = append(names, s.name)
	}
	return names
}

func testConfig(mode loadMode) config {
	return config{
		total:       3,
		concurrency: 2,
		connections: 1,
		timeout:     time.Second,
		mode:        mode,
		productID:   1,
		quantity:    1,
	}
}

func TestParseMode(t *testing.T) {
	for _, value := range []string{"create", " create-get ", "create-deliver"} {
		if _, err := parseMode(value); err != nil {
			t.Fatalf("parseMode(%q) failed: %v", value, err)
		}
	}
	if _, err := parseMode("create-pay"); err == nil {
		t.Fatal("expected error for unsupported mode")
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"-mode=create-deliver", "-total=10", "-cancel-rate=25", "-product-id=3", "-quantity=2"})
	require.NoError(t, err)
	require.Equal(t, modeCreateDeliver, cfg.mode)
	require.True(t, cfg.totalSet)
	require.Equal(t, 10, cfg.total)
	require.Equal(t, 25, cfg.cancelRate)
	require.EqualValues(t, 3, cfg.productID)
	require.Equal(t, 2, cfg.quantity)

	cfg, err = parseConfig(nil)
	require.NoError(t, err)
	require.False(t, cfg.totalSet)
	require.Equal(t, modeCreate, cfg.mode)

	invalid := [][]string{
		{"-duration=-1s"},
		{"-total=0"},
		{"-duration=1s", "-total=0"},
		{"-concurrency=0"},
		{"-connections=0"},
		{"-timeout=0s"},
		{"-cancel-rate=101"},
		{"-product-id=0"},
		{"-quantity=0"},
		{"-mode=unknown"},
	}
	for _, args := range invalid {
		if _, err := parseConfig(args); err == nil {
			t.Fatalf("expected error for args %v", args)
		}
	}
}

func TestDispatchJobs(t *testing.T) {
	jobs := make(chan int, 10)
	dispatchJobs(jobs, config{total: 4})

	var got []int
	for id := range jobs {
		got = append(got, id)
	}
	require.Equal(t, []int{0, 1, 2, 3}, got)

	jobs = make(chan int, 10)
	dispatchJobs(jobs, config{total: 2, totalSet: true, duration: time.Second})
	got = got[:0]
	for id := range jobs {
		got = append(got, id)
	}
	require.Equal(t, []int{0, 1}, got)
}

func TestRunScenario_Modes(t *testing.T) {
	tests := []struct {
		mode loadMode
		want []string
	}{
		{mode: modeCreate, want: []string{commands.CreateOrder}},
		{mode: modeCreateGet, want: []string{commands.CreateOrder, commands.FindOneOrder}},
		{mode: modeCreateDeliver, want: []string{commands.CreateOrder, commands.FindOneOrder, commands.ChangeOrderStatus}},
	}

	for _, tc := range tests {
		t.Run(string(tc.mode), func(t *testing.T) {
			sender := &fakeSender{}
			col := newCollector()
			require.NoError(t, runScenario(sender, testConfig(tc.mode), 7, "run", col))
			require.Equal(t, tc.want, sender.names())
			require.Equal(t, "lt-create-run-7", sender.sent[0].key)
			for _, s := range sender.sent[1:] {
				require.Empty(t, s.key, "only createOrder carries an idempotency key")
			}
		})
	}
}

func TestRunScenario_CancelRate(t *testing.T) {
	sender := &fakeSender{}
	cfg := testConfig(modeCreateDeliver)
	cfg.cancelRate = 100

	require.NoError(t, runScenario(sender, cfg, 0, "run", newCollector()))
	change, ok := sender.sent[2].in.(map[string]string)
	require.True(t, ok)
	require.Equal(t, string(domain.OrderStatusCancelled), change["status"])
}

func TestRunScenario_FailureRecorded(t *testing.T) {
	sender := &fakeSender{errOn: commands.ChangeOrderStatus}
	col := newCollector()

	err := runScenario(sender, testConfig(modeCreateDeliver), 0, "run", col)
	require.Error(t, err)

	result := col.buildReport(time.Now(), time.Second)
	require.EqualValues(t, 1, result.FailedScenarios)
	require.EqualValues(t, 1, result.Commands[commands.ChangeOrderStatus].Statuses["409"])
	require.EqualValues(t, 1, result.Commands[commands.CreateOrder].Statuses["200"])
}

func TestCollectorAndReport(t *testing.T) {
	col := newCollector()
	col.record(scenarioMetric, 10*time.Millisecond, nil)
	col.record(scenarioMetric, 30*time.Millisecond, errors.New("dial failed"))
	col.record(commands.CreateOrder, 5*time.Millisecond, context.DeadlineExceeded)

	result := col.buildReport(time.Now(), 2*time.Second)
	require.EqualValues(t, 2, result.TotalScenarios)
	require.EqualValues(t, 1, result.SuccessScenarios)
	require.InDelta(t, 0.5, result.ErrorRate, 1e-9)
	require.InDelta(t, 1.0, result.RPS, 1e-9)
	require.InDelta(t, 20.0, result.ScenarioLatencyMs.Avg, 1e-9)
	require.NotContains(t, result.Commands, scenarioMetric)
	require.EqualValues(t, 1, result.Commands[commands.CreateOrder].Statuses["DeadlineExceeded"])
}

func TestUtilityFunctions(t *testing.T) {
	require.Equal(t, 0.0, percentile(nil, 50))
	require.Equal(t, 5.0, percentile([]float64{5}, 99))
	require.InDelta(t, 2.5, percentile([]float64{1, 2, 3, 4}, 50), 1e-9)
	require.Equal(t, 0.0, ratio(1, 0))
	require.True(t, shouldCancelScenario(5, 10))
	require.False(t, shouldCancelScenario(15, 10))
	require.False(t, shouldCancelScenario(0, 0))
	require.Equal(t, "count:3", runTarget(config{total: 3}))
	require.Equal(t, "duration:1m0s,max-total:5", runTarget(config{duration: time.Minute, total: 5, totalSet: true}))
	require.Equal(t, "transport", statusLabel(errors.New("boom")))
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeJSONReport(path, report{TotalScenarios: 3}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.EqualValues(t, 3, decoded.TotalScenarios)

	require.Error(t, writeJSONReport(".", report{}))
	require.Error(t, writeJSONReport("../outside.json", report{}))
}

func TestRunLoad_AgainstCommandService(t *testing.T) {
	catalog := product.NewCatalog(domain.Product{ID: 1, Name: "Widget", Price: decimal.NewFromInt(10)})
	svc := orders.NewService(memory.NewOrderRepository(), catalog, orders.WithTimeline(memory.NewTimelineRepository()))
	router := commands.NewRouter(svc, commands.WithIdempotency(idempotency.NewGuard(memory.NewIdempotencyRepository())))

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	rpc.RegisterCommandServiceServer(server, grpcsvc.NewCommandServer(router, nil))
	go func() { _ = server.Serve(listener) }()
	defer server.Stop()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	cfg := testConfig(modeCreateDeliver)
	cfg.total = 12
	cfg.concurrency = 4
	cfg.cancelRate = 50

	result := runLoad(cfg, []commandSender{rpc.NewClient(conn)})
	require.EqualValues(t, 12, result.TotalScenarios)
	require.Zero(t, result.FailedScenarios, "report: %+v", result)
	require.EqualValues(t, 12, result.Commands[commands.ChangeOrderStatus].Success)
	require.True(t, strings.HasPrefix(runTarget(cfg), "count:"))
}
