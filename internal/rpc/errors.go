package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// ErrorDomain — домен ErrorInfo для ошибок командного транспорта.
	ErrorDomain = "orders.v1"
	// ErrorReason — reason ErrorInfo; конкретный вид ошибки передаётся через metadata.status.
	ErrorReason = "COMMAND_FAILED"

	statusMetadataKey = "status"
)

// Error — структурированная ошибка команды: HTTP-подобный статус и сообщение для клиента.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Status, e.Message)
}

// GRPCStatus позволяет status.FromError распознавать Error без явной конвертации.
func (e *Error) GRPCStatus() *status.Status {
	st := status.New(CodeForStatus(e.Status), e.Message)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   ErrorReason,
		Domain:   ErrorDomain,
		Metadata: map[string]string{statusMetadataKey: strconv.Itoa(e.Status)},
	})
	if err != nil {
		return st
	}
	return detailed
}

// NewError создаёт ошибку с произвольным статусом.
func NewError(statusCode int, message string) *Error {
	return &Error{Status: statusCode, Message: message}
}

// BadRequest сообщает о некорректном вводе клиента.
func BadRequest(message string) *Error { return NewError(http.StatusBadRequest, message) }

// NotFound сообщает, что запрошенной сущности нет.
func NotFound(message string) *Error { return NewError(http.StatusNotFound, message) }

// Conflict — конкурентное изменение или повторное использование ключа идемпотентности.
func Conflict(message string) *Error { return NewError(http.StatusConflict, message) }

// Internal скрывает непредвиденную ошибку, детали пишутся только в лог.
func Internal(message string) *Error { return NewError(http.StatusInternalServerError, message) }

// Unavailable сообщает, что зависимость (например, product-сервис) недоступна.
func Unavailable(message string) *Error { return NewError(http.StatusServiceUnavailable, message) }

// AsError приводит произвольную ошибку к Error. Ошибки не из этого пакета становятся Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return Internal("internal server error")
}

// CodeForStatus отображает HTTP-подобный статус в код gRPC.
func CodeForStatus(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// statusForCode отображает gRPC-код обратно в статус для ошибок без ErrorInfo.
func statusForCode(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unavailable, codes.DeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromGRPCError восстанавливает Error из ответа gRPC.
// Статус берётся из ErrorInfo.metadata, а при его отсутствии выводится из кода.
func FromGRPCError(err error) *Error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Unavailable(err.Error())
	}

	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		if raw, ok := info.GetMetadata()[statusMetadataKey]; ok {
			if parsed, err := strconv.Atoi(raw); err == nil {
				return NewError(parsed, st.Message())
			}
		}
	}

	return NewError(statusForCode(st.Code()), st.Message())
}
