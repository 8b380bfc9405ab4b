package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// ErrCleanupBatchLimit возвращается, когда за проход удалено maxBatches порций,
// а просроченные ключи ещё остались. Остаток удалит следующий проход.
var ErrCleanupBatchLimit = errors.New("idempotency cleanup batch limit reached")

// CleanupOptions задаёт параметры воркера очистки ключей createOrder.
type CleanupOptions struct {
	Logger     *log.Entry
	Metrics    *metrics.OrderMetrics
	Interval   time.Duration
	BatchSize  int
	MaxBatches int
	Now        func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithCleanupMetrics задаёт метрики очистки.
func WithCleanupMetrics(m *metrics.OrderMetrics) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Metrics = m
	}
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер порции одного DELETE.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxBatches ограничивает число порций за проход. 0 снимает ограничение.
func WithMaxBatches(maxBatches int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.MaxBatches = maxBatches
	}
}

// WithCleanupClock подменяет часы, от которых считается срок жизни ключа.
func WithCleanupClock(now func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Now = now
	}
}

// CleanupWorker периодически удаляет ключи идемпотентности с истёкшим TTL.
// Удаление идёт порциями, чтобы не держать долгую блокировку на таблице ключей.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.OrderMetrics
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
		Now:       time.Now,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.MaxBatches < 0 {
		opts.MaxBatches = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &CleanupWorker{
		repo:       repo,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		maxBatches: opts.MaxBatches,
		now:        opts.Now,
	}
}

// Run выполняет проход сразу и затем раз в interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now().UTC())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, ErrCleanupBatchLimit):
		w.metrics.RecordIdempotencyCleanup("partial", deleted)
		w.logger.WithFields(log.Fields{
			"deleted":     deleted,
			"max_batches": w.maxBatches,
		}).Info("idempotency cleanup stopped at batch limit")
	case err != nil:
		w.metrics.RecordIdempotencyCleanup("error", deleted)
		w.logger.WithError(err).Warn("idempotency cleanup run failed")
	default:
		w.metrics.RecordIdempotencyCleanup("ok", deleted)
		if deleted > 0 {
			w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
		}
	}
}

// DeleteExpired удаляет ключи с expires_at <= before. Нулевой before означает "сейчас".
// Возвращает число удалённых записей, в том числе при ошибке на очередной порции.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().UTC()
	}

	total := 0
	for batch := 0; ; batch++ {
		if w.maxBatches > 0 && batch >= w.maxBatches {
			return total, ErrCleanupBatchLimit
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		w.metrics.RecordIdempotencyDeleted(deleted)

		if deleted < w.batchSize {
			return total, nil
		}
	}
}
