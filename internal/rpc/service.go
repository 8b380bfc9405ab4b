package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName — полное имя gRPC-сервиса команд.
	ServiceName = "orders.v1.CommandService"
	// SendMethod — полное имя единственного метода Send.
	SendMethod = "/orders.v1.CommandService/Send"
)

// Dispatcher исполняет команду и возвращает JSON-ответ.
// Ошибки, которые должны дойти до клиента, имеют тип *Error.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) (json.RawMessage, error)
}

// DispatcherFunc адаптирует функцию к Dispatcher.
type DispatcherFunc func(ctx context.Context, cmd Command) (json.RawMessage, error)

// Dispatch вызывает f(ctx, cmd).
func (f DispatcherFunc) Dispatch(ctx context.Context, cmd Command) (json.RawMessage, error) {
	return f(ctx, cmd)
}

// CommandServiceServer — серверная часть orders.v1.CommandService.
type CommandServiceServer interface {
	Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// CommandServiceDesc описывает сервис без сгенерированного кода:
// запрос и ответ — google.protobuf.Struct, кодек — стандартный proto.
var CommandServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CommandServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Send",
			Handler:    sendHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orders/v1/command.proto",
}

// RegisterCommandServiceServer регистрирует реализацию на gRPC-сервере.
func RegisterCommandServiceServer(registrar grpc.ServiceRegistrar, srv CommandServiceServer) {
	registrar.RegisterService(&CommandServiceDesc, srv)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommandServiceServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SendMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CommandServiceServer).Send(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
