package rpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// IdempotencyKeyHeader — имя gRPC metadata и Kafka-заголовка с ключом идемпотентности.
const IdempotencyKeyHeader = "idempotency-key"

type idempotencyKeyCtx struct{}

// WithIdempotencyKey кладёт ключ идемпотентности в контекст команды.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFromContext возвращает ключ, положенный транспортом.
// Если транспорт ключ не выставлял, ищет его во входящих gRPC metadata.
func IdempotencyKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyCtx{}).(string); ok && key != "" {
		return key
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, value := range md.Get(IdempotencyKeyHeader) {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
