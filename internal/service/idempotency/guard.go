package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
)

// DefaultTTL используется, если время жизни ключа не задано.
const DefaultTTL = 24 * time.Hour

// Handler выполняет команду и возвращает JSON-ответ.
type Handler func(ctx context.Context) (json.RawMessage, error)

// Guard кэширует результат команды по idempotency-key.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт время жизни записи.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		g.ttl = ttl
	}
}

// WithGuardLogger задаёт logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithGuardClock подменяет источник времени.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// NewGuard создаёт Guard поверх репозитория ключей.
func NewGuard(repo domain.IdempotencyRepository, options ...GuardOption) *Guard {
	g := &Guard{
		repo: repo,
		ttl:  DefaultTTL,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(g)
	}
	if g.logger == nil {
		g.logger = log.WithField("component", "idempotency-guard")
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	return g
}

// HashRequest считает хеш команды: scope и канонический JSON payload.
func HashRequest(scope string, payload json.RawMessage) (string, error) {
	canonical, err := rpc.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(scope))
	sum.Write([]byte{':'})
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Do выполняет handler не более одного раза для ключа. Пустой ключ или
// отсутствующий репозиторий означают обычный вызов без кэша.
func (g *Guard) Do(ctx context.Context, key, scope string, payload json.RawMessage, handler Handler) (json.RawMessage, error) {
	key = strings.TrimSpace(key)
	if g == nil || g.repo == nil || key == "" {
		return handler(ctx)
	}

	hash, err := HashRequest(scope, payload)
	if err != nil {
		return nil, rpc.BadRequest("malformed command payload")
	}

	record, err := g.repo.CreateProcessing(ctx, key, hash, g.now().Add(g.ttl))
	if err != nil {
		return g.replay(err, key, record)
	}

	resp, runErr := handler(ctx)
	if runErr != nil {
		if IsRetryable(runErr) {
			g.release(ctx, key)
			return nil, runErr
		}
		g.cacheFailure(ctx, key, runErr)
		return nil, runErr
	}

	if err := g.repo.MarkDone(ctx, key, resp, http.StatusOK); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent success response")
	}
	return resp, nil
}

func (g *Guard) replay(createErr error, key string, record domain.IdempotencyRecord) (json.RawMessage, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return nil, rpc.Conflict("idempotency key is already used with different request payload")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			if len(record.ResponseBody) == 0 {
				return nil, rpc.Internal("idempotency cache is empty")
			}
			g.logger.WithField("idempotency_key", key).Debug("replaying cached response")
			return json.RawMessage(record.ResponseBody), nil
		case domain.IdempotencyStatusProcessing:
			return nil, rpc.Conflict("request with the same idempotency key is already processing")
		case domain.IdempotencyStatusFailed:
			return nil, decodeFailure(record)
		default:
			return nil, rpc.Internal("unknown idempotency record status")
		}
	default:
		g.logger.WithError(createErr).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		return nil, rpc.Internal("failed to initialize idempotency request")
	}
}

// release освобождает ключ после временного отказа, чтобы повтор выполнил handler заново.
func (g *Guard) release(ctx context.Context, key string) {
	if err := g.repo.Release(ctx, key); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to release idempotency key")
	}
}

func (g *Guard) cacheFailure(ctx context.Context, key string, runErr error) {
	rpcErr := rpc.AsError(runErr)

	payload, err := json.Marshal(rpcErr)
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to encode idempotency failure payload")
		payload = nil
	}

	if err := g.repo.MarkFailed(ctx, key, payload, rpcErr.Status); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotency failure response")
	}
}

func decodeFailure(record domain.IdempotencyRecord) error {
	const fallback = "previous request with the same idempotency key failed"

	if len(record.ResponseBody) > 0 {
		var cached rpc.Error
		if err := json.Unmarshal(record.ResponseBody, &cached); err == nil && cached.Status >= http.StatusBadRequest {
			if cached.Message == "" {
				cached.Message = fallback
			}
			return &cached
		}
	}

	if record.HTTPStatus >= http.StatusBadRequest {
		return rpc.NewError(record.HTTPStatus, fallback)
	}
	return rpc.Internal(fallback)
}
