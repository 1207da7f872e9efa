package rpcwire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the protocol tag carried by every envelope.
const Version = mcp.JSONRPC_VERSION

// CodeServerError is the generic implementation-defined server error code.
// It is used both for unsupported server requests and for handler failures.
const CodeServerError = -32000

// Kind classifies an inbound frame by its structural shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindResponse
	KindNotification
	KindServerRequest
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindServerRequest:
		return "server_request"
	default:
		return "invalid"
	}
}

// Error is the error member of a response envelope.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is the union of every inbound envelope shape. Fields that were
// absent on the wire are left nil; a JSON null is kept as the literal "null".
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ErrNotObject is returned by Decode for frames that are not a JSON object.
var ErrNotObject = errors.New("rpcwire: frame is not a JSON object")

// Decode parses a single inbound frame.
func Decode(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// HasID reports whether the frame carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// Kind classifies the frame: method without id is a notification, method with
// id is a server-initiated request, id without method is a response. A
// response carrying both result and error is ambiguous and reported invalid.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && !m.HasID():
		return KindNotification
	case m.Method != "" && m.HasID():
		return KindServerRequest
	case m.HasID():
		if m.Error != nil && m.Result != nil {
			return KindInvalid
		}
		return KindResponse
	default:
		return KindInvalid
	}
}

// IntID returns the id as an integer when it is a JSON number without a
// fractional part.
func (m *Message) IntID() (int64, bool) {
	if !m.HasID() {
		return 0, false
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(m.ID)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
