package rpc

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCommand(t *testing.T) {
	msg, err := EncodeCommand("createOrder", map[string]any{
		"items": []map[string]any{{"productId": 1000000, "quantity": 2}},
	})
	require.NoError(t, err)
	require.Equal(t, "createOrder", msg.GetFields()["cmd"].GetStringValue())

	cmd, err := DecodeCommand(msg)
	require.NoError(t, err)
	require.Equal(t, "createOrder", cmd.Name)

	var payload struct {
		Items []struct {
			ProductID int64 `json:"productId"`
			Quantity  int32 `json:"quantity"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(cmd.Data, &payload))
	require.Len(t, payload.Items, 1)
	require.Equal(t, int64(1000000), payload.Items[0].ProductID)
	require.Equal(t, int32(2), payload.Items[0].Quantity)
}

func TestEncodeCommand_ArrayPayload(t *testing.T) {
	msg, err := EncodeCommand("validate_products", []int64{3, 1, 2})
	require.NoError(t, err)

	cmd, err := DecodeCommand(msg)
	require.NoError(t, err)

	var ids []int64
	require.NoError(t, json.Unmarshal(cmd.Data, &ids))
	require.Equal(t, []int64{3, 1, 2}, ids)
}

func TestDecodeCommand_Invalid(t *testing.T) {
	_, err := DecodeCommand(nil)
	require.Error(t, err)

	_, err = ParseCommand([]byte(`{"data":{}}`))
	require.Error(t, err)

	_, err = ParseCommand([]byte(`not json`))
	require.Error(t, err)

	_, err = EncodeCommand("  ", nil)
	require.Error(t, err)
}

func TestEncodeDecodeReply(t *testing.T) {
	msg, err := EncodeReply(json.RawMessage(`{"id":"order-1","totalAmount":"10.50"}`))
	require.NoError(t, err)

	data, err := DecodeReply(msg)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"order-1","totalAmount":"10.50"}`, string(data))

	msg, err = EncodeReply(nil)
	require.NoError(t, err)
	data, err = DecodeReply(msg)
	require.NoError(t, err)
	require.Equal(t, "null", string(data))
}

func TestMarshalParseReply(t *testing.T) {
	raw, err := MarshalReply(json.RawMessage(`[1,2]`), nil)
	require.NoError(t, err)

	data, rpcErr, err := ParseReply(raw)
	require.NoError(t, err)
	require.Nil(t, rpcErr)
	require.JSONEq(t, `[1,2]`, string(data))

	raw, err = MarshalReply(nil, NotFound("Order with id x not found"))
	require.NoError(t, err)
	require.JSONEq(t, `{"data":null,"error":{"status":404,"message":"Order with id x not found"}}`, string(raw))

	_, rpcErr, err = ParseReply(raw)
	require.NoError(t, err)
	require.NotNil(t, rpcErr)
	require.Equal(t, http.StatusNotFound, rpcErr.Status)
}

func TestCanonicalJSON(t *testing.T) {
	a, err := CanonicalJSON(json.RawMessage(`{ "b": 1, "a": [ {"y":2, "x":1} ] }`))
	require.NoError(t, err)
	b, err := CanonicalJSON(json.RawMessage(`{"a":[{"x":1,"y":2}],"b":1}`))
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))

	empty, err := CanonicalJSON(nil)
	require.NoError(t, err)
	require.Equal(t, "null", string(empty))

	_, err = CanonicalJSON(json.RawMessage(`{`))
	require.Error(t, err)
}
