package rpcwire

import (
	"encoding/json"
	"strconv"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type resultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

// marshalParams keeps a nil params value off the wire while preserving
// explicitly empty objects and lists.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// NewRequest encodes an outbound call.
func NewRequest(id int64, method string, params any) ([]byte, error) {
	p, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request{JSONRPC: Version, ID: id, Method: method, Params: p})
}

// NewNotification encodes an outbound notification (no id).
func NewNotification(method string, params any) ([]byte, error) {
	p, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(notification{JSONRPC: Version, Method: method, Params: p})
}

// NewResult encodes a successful reply to a server-initiated request. The
// id is echoed exactly as received.
func NewResult(id json.RawMessage, result any) ([]byte, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resultResponse{JSONRPC: Version, ID: id, Result: r})
}

// NewError encodes an error reply to a server-initiated request.
func NewError(id json.RawMessage, code int, message string) []byte {
	b, _ := json.Marshal(errorResponse{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}})
	return b
}

// IDString renders a raw id for logs.
func IDString(id json.RawMessage) string {
	if s, err := strconv.Unquote(string(id)); err == nil {
		return s
	}
	return string(id)
}
