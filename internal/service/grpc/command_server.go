// Package grpcsvc — gRPC-адаптер командного транспорта.
package grpcsvc

import (
	"context"

	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/orders/internal/rpc"
)

// CommandServer реализует orders.v1.CommandService поверх rpc.Dispatcher.
type CommandServer struct {
	dispatcher rpc.Dispatcher
	logger     *log.Entry
}

var _ rpc.CommandServiceServer = (*CommandServer)(nil)

// NewCommandServer конструирует сервер команд.
func NewCommandServer(dispatcher rpc.Dispatcher, logger *log.Entry) *CommandServer {
	if logger == nil {
		logger = log.WithField("component", "grpc-command-server")
	}
	return &CommandServer{dispatcher: dispatcher, logger: logger}
}

// Send декодирует конверт {cmd, data}, исполняет команду и возвращает {data}.
// Ошибки команды уходят клиенту как gRPC status с ErrorInfo.
func (s *CommandServer) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cmd, err := rpc.DecodeCommand(req)
	if err != nil {
		return nil, rpc.BadRequest(err.Error())
	}

	logger := s.logger.WithFields(log.Fields{
		"command":    cmd.Name,
		"request_id": RequestIDFromContext(ctx),
	})

	data, err := s.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		rpcErr := rpc.AsError(err)
		logger.WithField("status", rpcErr.Status).Info("command rejected")
		return nil, rpcErr
	}

	reply, err := rpc.EncodeReply(data)
	if err != nil {
		logger.WithError(err).Error("failed to encode command reply")
		return nil, rpc.Internal("failed to encode reply")
	}
	return reply, nil
}
