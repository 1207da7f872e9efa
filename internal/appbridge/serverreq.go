package appbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gaspardpetit/appbridge/internal/logx"
	"github.com/gaspardpetit/appbridge/internal/metrics"
	"github.com/gaspardpetit/appbridge/internal/rpcwire"
)

// ServerRequest is a request initiated by the agent, such as an approval
// prompt. ID is echoed back verbatim in the reply.
type ServerRequest struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// ServerRequestHandler decides a server request. The returned value is sent
// as the result; an error is sent as a JSON-RPC error carrying its message.
// ctx is cancelled when the bridge is closed.
type ServerRequestHandler func(ctx context.Context, req ServerRequest) (any, error)

const handlerFailedMessage = "server request handler failed"

// SetServerRequestHandler installs h as the single decision handler,
// replacing any previous one. nil removes it.
func (b *Bridge) SetServerRequestHandler(h ServerRequestHandler) {
	b.handlerMu.Lock()
	b.handler = h
	b.handlerMu.Unlock()
}

func (b *Bridge) serverRequestHandler() ServerRequestHandler {
	b.handlerMu.RLock()
	defer b.handlerMu.RUnlock()
	return b.handler
}

// answer replies to a server request. Without a handler the agent gets an
// immediate unsupported error; otherwise the handler runs on its own
// goroutine so the inbound path keeps flowing while it waits.
func (b *Bridge) answer(c *connection, msg *rpcwire.Message) {
	req := ServerRequest{ID: msg.ID, Method: msg.Method, Params: msg.Params}
	h := b.serverRequestHandler()
	if h == nil {
		metrics.RecordServerRequest(req.Method, "unsupported")
		logx.Log.Debug().Str("conn_id", c.id).Str("method", req.Method).Str("id", rpcwire.IDString(req.ID)).Msg("no server request handler")
		b.reply(c, req, rpcwire.NewError(req.ID, rpcwire.CodeServerError, "unsupported server request: "+req.Method))
		return
	}
	go b.handle(c, h, req)
}

func (b *Bridge) handle(c *connection, h ServerRequestHandler, req ServerRequest) {
	result, err := invoke(b.ctx, h, req)
	var frame []byte
	if err == nil {
		frame, err = rpcwire.NewResult(req.ID, result)
		if err != nil {
			err = fmt.Errorf("encode result: %w", err)
		}
	}
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = handlerFailedMessage
		}
		metrics.RecordServerRequest(req.Method, "failed")
		logx.Log.Warn().Err(err).Str("method", req.Method).Str("id", rpcwire.IDString(req.ID)).Msg("server request handler failed")
		frame = rpcwire.NewError(req.ID, rpcwire.CodeServerError, msg)
	} else {
		metrics.RecordServerRequest(req.Method, "handled")
	}
	b.reply(c, req, frame)
}

func invoke(ctx context.Context, h ServerRequestHandler, req ServerRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server request handler panicked: %v", r)
		}
	}()
	return h(ctx, req)
}

func (b *Bridge) reply(c *connection, req ServerRequest, frame []byte) {
	if err := b.send(c, frame); err != nil {
		logx.Log.Warn().Err(err).Str("conn_id", c.id).Str("method", req.Method).Str("id", rpcwire.IDString(req.ID)).Msg("reply to server request")
	}
}
