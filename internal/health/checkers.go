package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// OutboxStatsSource отдаёт статистику backlog-а outbox.
type OutboxStatsSource interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxBacklogChecker переводит сервис в degraded, если события копятся в outbox.
type OutboxBacklogChecker struct {
	name       string
	source     OutboxStatsSource
	maxPending int
	maxAge     time.Duration
	now        func() time.Time
}

// NewOutboxBacklogChecker создаёт проверку backlog-а. Нулевые пороги отключают соответствующее условие.
func NewOutboxBacklogChecker(name string, source OutboxStatsSource, maxPending int, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{
		name:       name,
		source:     source,
		maxPending: maxPending,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// Check возвращает unhealthy при ошибке хранилища и degraded при превышении порогов.
func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	stats, err := c.source.Stats(ctx)
	check := Check{Name: c.name, Status: StatusHealthy}

	switch {
	case err != nil:
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	case c.maxPending > 0 && stats.PendingCount > c.maxPending:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("outbox backlog %d exceeds %d", stats.PendingCount, c.maxPending)
	case c.maxAge > 0 && stats.OldestAge(c.now()) > c.maxAge:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("oldest pending outbox event is older than %s", c.maxAge)
	}

	check.DurationMs = time.Since(start).Milliseconds()
	return check
}

// NewStorageChecker проверяет доступность хранилища через ping.
func NewStorageChecker(name string, ping func(ctx context.Context) error) *SimpleChecker {
	if ping == nil {
		ping = func(context.Context) error { return nil }
	}
	return NewSimpleChecker(name, ping)
}
