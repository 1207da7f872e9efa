package appbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")
	// ErrTimeout indicates no response arrived before the call deadline.
	ErrTimeout = errors.New("call timed out")
	// ErrConnectionClosed indicates the connection was lost while the call
	// was pending.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrClosed indicates the bridge was closed by its owner.
	ErrClosed = errors.New("bridge closed")
)

// TransportError reports that the channel could not be established or that
// a send failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) hold for any TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// RemoteError is a JSON-RPC error returned by the agent for a call. Its
// message is surfaced verbatim.
type RemoteError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string { return e.Message }

// outcome labels an error for metrics.
func outcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrClosed):
		return "disconnected"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
