package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// codeNotInitialized is the MCP error for requests sent before initialize.
const codeNotInitialized = -32002

func rpcErrorf(code int64, format string, args ...any) *jsonrpc.Error {
	return &jsonrpc.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// errReply marks a client message (a response to nothing we sent) that is
// dropped without an answer.
var errReply = errors.New("unexpected response message")

// decodeError carries the id to answer with. A zero id is written as null.
type decodeError struct {
	id  jsonrpc.ID
	err *jsonrpc.Error
}

func (e *decodeError) Error() string {
	return e.err.Error()
}

// decode parses one envelope with the SDK codec. When the codec rejects it,
// the id is recovered from the raw bytes so the client can still be told;
// an envelope without one is dropped.
func decode(data []byte) (*jsonrpc.Request, error) {
	msg, codecErr := jsonrpc.DecodeMessage(data)
	if codecErr != nil {
		if !gjson.ValidBytes(data) {
			return nil, &decodeError{err: rpcErrorf(jsonrpc.CodeParseError, "parse error")}
		}
		id, answerable := recoverID(data)
		if !answerable {
			return nil, fmt.Errorf("dropping invalid notification: %w", codecErr)
		}
		return nil, &decodeError{id: id, err: rpcErrorf(jsonrpc.CodeInvalidRequest, "invalid request: %v", codecErr)}
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		if !gjson.GetBytes(data, "result").Exists() && !gjson.GetBytes(data, "error").Exists() {
			return nil, &decodeError{id: m.ID, err: rpcErrorf(jsonrpc.CodeInvalidRequest, "method is required")}
		}
		return nil, errReply
	case *jsonrpc.Request:
		if len(m.Params) == 0 {
			return m, nil
		}
		params := gjson.ParseBytes(m.Params)
		switch {
		case params.IsObject(), params.IsArray():
		case params.Type == gjson.Null:
			m.Params = nil
		case m.IsCall():
			return nil, &decodeError{id: m.ID, err: rpcErrorf(jsonrpc.CodeInvalidRequest, "params must be an object or array")}
		default:
			return nil, fmt.Errorf("dropping invalid notification %s: params must be an object or array", m.Method)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}
}

// recoverID finds the id of an envelope the codec could not decode. It reports
// false when there is nothing to answer: an object without an id member.
// Non-object payloads and unusable ids are answered with a null id.
func recoverID(data []byte) (jsonrpc.ID, bool) {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return jsonrpc.ID{}, true
	}
	raw := root.Get("id")
	if !raw.Exists() {
		return jsonrpc.ID{}, false
	}
	if raw.Type == gjson.String || raw.Type == gjson.Number {
		if id, idErr := jsonrpc.MakeID(raw.Value()); idErr == nil {
			return id, true
		}
	}
	return jsonrpc.ID{}, true
}

// idKey is the in-flight table key for id.
func idKey(id jsonrpc.ID) string {
	key, _ := json.Marshal(id.Raw())
	return string(key)
}

// encodeResponse serializes a response. The codec omits a zero id, but a
// response to an unidentifiable request must still carry "id":null.
func encodeResponse(id jsonrpc.ID, result any, rpcErr *jsonrpc.Error) ([]byte, error) {
	resp := &jsonrpc.Response{ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			return nil, fmt.Errorf("encoding result: %w", marshalErr)
		}
		resp.Result = raw
	}

	data, encodeErr := jsonrpc.EncodeMessage(resp)
	if encodeErr != nil || id.IsValid() {
		return data, encodeErr
	}
	return sjson.SetRawBytes(data, "id", []byte("null"))
}

func encodeNotification(method string, params json.RawMessage) ([]byte, error) {
	return jsonrpc.EncodeMessage(&jsonrpc.Request{Method: method, Params: params})
}
