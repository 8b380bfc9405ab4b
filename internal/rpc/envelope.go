package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Command содержит имя команды и её JSON payload.
type Command struct {
	Name string
	Data json.RawMessage
}

type commandEnvelope struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

type replyEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *Error          `json:"error,omitempty"`
}

// EncodeCommand собирает конверт {cmd, data} в виде google.protobuf.Struct.
func EncodeCommand(name string, data any) (*structpb.Struct, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("command name is required")
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("marshal command %s: %w", name, err)
	}
	return toStruct(commandEnvelope{Cmd: name, Data: raw})
}

// DecodeCommand разбирает конверт команды.
func DecodeCommand(msg *structpb.Struct) (Command, error) {
	if msg == nil {
		return Command{}, fmt.Errorf("command envelope is empty")
	}
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return Command{}, fmt.Errorf("marshal command envelope: %w", err)
	}
	return ParseCommand(raw)
}

// ParseCommand разбирает конверт команды из JSON.
func ParseCommand(raw []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, fmt.Errorf("decode command envelope: %w", err)
	}
	name := strings.TrimSpace(env.Cmd)
	if name == "" {
		return Command{}, fmt.Errorf("command name is required")
	}
	return Command{Name: name, Data: env.Data}, nil
}

// EncodeReply собирает успешный ответ {data}.
func EncodeReply(data json.RawMessage) (*structpb.Struct, error) {
	return toStruct(replyEnvelope{Data: nullIfEmpty(data)})
}

// DecodeReply извлекает data из ответа.
func DecodeReply(msg *structpb.Struct) (json.RawMessage, error) {
	if msg == nil {
		return nil, nil
	}
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal reply envelope: %w", err)
	}
	data, rpcErr, err := ParseReply(raw)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	return data, nil
}

// MarshalReply кодирует ответ для транспортов без собственных ошибок (Kafka):
// {data} при успехе и {error:{status,message}} при ошибке.
func MarshalReply(data json.RawMessage, replyErr error) ([]byte, error) {
	if replyErr != nil {
		return json.Marshal(replyEnvelope{Data: json.RawMessage("null"), Error: AsError(replyErr)})
	}
	return json.Marshal(replyEnvelope{Data: nullIfEmpty(data)})
}

// ParseReply разбирает ответ, закодированный MarshalReply.
func ParseReply(raw []byte) (json.RawMessage, *Error, error) {
	var env replyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("decode reply envelope: %w", err)
	}
	if env.Error != nil {
		return nil, env.Error, nil
	}
	return env.Data, nil, nil
}

// CanonicalJSON приводит JSON к детерминированному виду: ключи объектов отсортированы,
// пробелы удалены. Используется для хеширования запросов.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return json.Marshal(value)
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("convert envelope to struct: %w", err)
	}
	return msg, nil
}

func nullIfEmpty(data json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null")
	}
	return data
}
