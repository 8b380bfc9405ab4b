package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

type stubStats struct {
	stats domain.OutboxStats
	err   error
}

func (s stubStats) Stats(context.Context) (domain.OutboxStats, error) {
	return s.stats, s.err
}

func TestOutboxBacklogChecker(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		source stubStats
		want   Status
	}{
		{name: "empty", source: stubStats{}, want: StatusHealthy},
		{name: "below threshold", source: stubStats{stats: domain.OutboxStats{PendingCount: 5, OldestPendingAt: now.Add(-time.Second)}}, want: StatusHealthy},
		{name: "too many", source: stubStats{stats: domain.OutboxStats{PendingCount: 11, OldestPendingAt: now}}, want: StatusDegraded},
		{name: "too old", source: stubStats{stats: domain.OutboxStats{PendingCount: 1, OldestPendingAt: now.Add(-time.Hour)}}, want: StatusDegraded},
		{name: "storage error", source: stubStats{err: errors.New("db down")}, want: StatusUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checker := NewOutboxBacklogChecker("outbox", tc.source, 10, time.Minute)
			checker.now = func() time.Time { return now }

			check := checker.Check(context.Background())
			if check.Status != tc.want {
				t.Fatalf("unexpected status: got=%s want=%s (%s)", check.Status, tc.want, check.Message)
			}
			if check.Name != "outbox" {
				t.Fatalf("unexpected name: %s", check.Name)
			}
		})
	}
}

func TestStorageChecker(t *testing.T) {
	healthy := NewStorageChecker("storage", func(context.Context) error { return nil })
	if got := healthy.Check(context.Background()).Status; got != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}

	failing := NewStorageChecker("storage", func(context.Context) error { return errors.New("connection refused") })
	check := failing.Check(context.Background())
	if check.Status != StatusUnhealthy || check.Message != "connection refused" {
		t.Fatalf("unexpected check: %+v", check)
	}

	if got := NewStorageChecker("memory", nil).Check(context.Background()).Status; got != StatusHealthy {
		t.Fatalf("nil ping must be healthy, got %s", got)
	}
}
