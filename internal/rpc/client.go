package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client отправляет команды в orders.v1.CommandService (или совместимый сервис).
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient создаёт клиента поверх готового соединения.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Send отправляет команду cmd с payload in и декодирует data ответа в out (если out != nil).
// Ошибки сервера возвращаются как *Error.
func (c *Client) Send(ctx context.Context, cmd string, in, out any, opts ...grpc.CallOption) error {
	raw, err := c.SendRaw(ctx, cmd, in, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", cmd, err)
	}
	return nil
}

// SendRaw отправляет команду и возвращает data ответа без декодирования.
func (c *Client) SendRaw(ctx context.Context, cmd string, in any, opts ...grpc.CallOption) (json.RawMessage, error) {
	req, err := EncodeCommand(cmd, in)
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, SendMethod, req, resp, opts...); err != nil {
		return nil, FromGRPCError(err)
	}
	return DecodeReply(resp)
}

// WithOutgoingIdempotencyKey добавляет idempotency-key в исходящие metadata.
func WithOutgoingIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, IdempotencyKeyHeader, key)
}
