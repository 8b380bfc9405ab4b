package grpcsvc

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader — metadata с идентификатором запроса, эхо возвращается в заголовке ответа.
const RequestIDHeader = "x-request-id"

type requestIDCtx struct{}

// RequestIDFromContext возвращает идентификатор запроса, положенный интерсептором.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDCtx{}).(string); ok {
		return id
	}
	return ""
}

// RequestIDUnaryInterceptor берёт x-request-id из metadata (или генерирует новый),
// кладёт его в контекст и возвращает клиенту в заголовке.
func RequestIDUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(RequestIDHeader); len(ids) > 0 {
				requestID = strings.TrimSpace(ids[0])
			}
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))
		return handler(context.WithValue(ctx, requestIDCtx{}, requestID), req)
	}
}

// LoggingUnaryInterceptor пишет метод, код ответа и длительность каждого вызова.
func LoggingUnaryInterceptor(logger *log.Entry) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = log.WithField("component", "grpc")
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)

		entry := logger.WithFields(log.Fields{
			"method":      info.FullMethod,
			"code":        status.Code(err).String(),
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  RequestIDFromContext(ctx),
		})
		if err != nil {
			entry.Debug("grpc call failed")
		} else {
			entry.Debug("grpc call completed")
		}
		return resp, err
	}
}
