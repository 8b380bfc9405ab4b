package outbox

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
)

func TestLogPublisher_DrainsOutbox(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	repo := memory.NewOutboxRepository()
	if _, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: domain.OutboxAggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.OutboxEventOrderCreated,
		Payload:       []byte(`{"id":"order-1"}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker := NewWorker(repo, NewLogPublisher(log.NewEntry(logger)), WithRetryBaseDelay(0))
	worker.ProcessOnce(context.Background())

	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("expected outbox to be drained, got %d pending", len(pending))
	}
	if !strings.Contains(buf.String(), "order.created") {
		t.Fatalf("expected event type in log output, got %q", buf.String())
	}
}

func TestLogPublisher_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewLogPublisher(nil).Publish(ctx, domain.OutboxMessage{ID: "msg-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
