package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1024 * 1024

// echoServer отвечает payload-ом команды или ошибкой для команды fail.
type echoServer struct {
	lastKey string
}

func (s *echoServer) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cmd, err := DecodeCommand(req)
	if err != nil {
		return nil, BadRequest(err.Error())
	}
	s.lastKey = IdempotencyKeyFromContext(ctx)
	if cmd.Name == "fail" {
		return nil, Conflict("already processing")
	}
	return EncodeReply(cmd.Data)
}

func startEchoServer(t *testing.T) (*Client, *echoServer) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	echo := &echoServer{}
	RegisterCommandServiceServer(server, echo)

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn), echo
}

func TestClientSend_RoundTrip(t *testing.T) {
	client, echo := startEchoServer(t)

	ctx := WithOutgoingIdempotencyKey(context.Background(), "key-1")

	var out struct {
		ID    string `json:"id"`
		Limit int    `json:"limit"`
	}
	err := client.Send(ctx, "echo", map[string]any{"id": "abc", "limit": 10}, &out)
	require.NoError(t, err)
	require.Equal(t, "abc", out.ID)
	require.Equal(t, 10, out.Limit)
	require.Equal(t, "key-1", echo.lastKey)

	raw, err := client.SendRaw(context.Background(), "echo", json.RawMessage(`[1,2,3]`))
	require.NoError(t, err)
	require.JSONEq(t, `[1,2,3]`, string(raw))
}

func TestClientSend_StructuredError(t *testing.T) {
	client, _ := startEchoServer(t)

	err := client.Send(context.Background(), "fail", nil, nil)
	require.Error(t, err)

	rpcErr := AsError(err)
	require.Equal(t, http.StatusConflict, rpcErr.Status)
	require.Equal(t, "already processing", rpcErr.Message)
}

func TestIdempotencyKeyFromContext(t *testing.T) {
	require.Empty(t, IdempotencyKeyFromContext(context.Background()))

	ctx := WithIdempotencyKey(context.Background(), "  key-2 ")
	require.Equal(t, "key-2", IdempotencyKeyFromContext(ctx))

	require.Equal(t, context.Background(), WithIdempotencyKey(context.Background(), " "))
}
