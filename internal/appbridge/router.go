package appbridge

import (
	"encoding/json"

	"github.com/gaspardpetit/appbridge/internal/logx"
	"github.com/gaspardpetit/appbridge/internal/metrics"
	"github.com/gaspardpetit/appbridge/internal/rpcwire"
)

// readLoop processes frames from c one at a time in arrival order until the
// channel fails.
func (b *Bridge) readLoop(c *connection) {
	for {
		data, err := c.conn.Read(b.ctx)
		if err != nil {
			b.dropConnection(c, err)
			return
		}
		if c.retired.Load() {
			continue
		}
		b.route(c, data)
	}
}

// dropConnection handles loss of the physical channel. Superseded
// connections were already retired by whoever replaced them.
func (b *Bridge) dropConnection(c *connection, err error) {
	b.mu.Lock()
	if b.current != c {
		b.mu.Unlock()
		return
	}
	b.current = nil
	// A drop during the handshake dooms the attempt that created c; the next
	// Connect must start from scratch instead of joining it.
	b.attempt = nil
	b.setStatusLocked(StatusDisconnected, "", err)
	b.mu.Unlock()

	logx.Log.Info().Err(err).Str("conn_id", c.id).Msg("agent connection closed")
	b.retire(c)
}

func (b *Bridge) route(c *connection, data []byte) {
	msg, err := rpcwire.Decode(data)
	if err != nil {
		metrics.RecordDroppedFrame("malformed")
		logx.Log.Debug().Err(err).Str("conn_id", c.id).Msg("dropping malformed frame")
		return
	}
	switch msg.Kind() {
	case rpcwire.KindResponse:
		b.resolve(c, msg)
	case rpcwire.KindNotification:
		b.dispatch(msg)
	case rpcwire.KindServerRequest:
		b.answer(c, msg)
	default:
		metrics.RecordDroppedFrame("ambiguous")
		logx.Log.Debug().Str("conn_id", c.id).Msg("dropping ambiguous frame")
	}
}

func (b *Bridge) resolve(c *connection, msg *rpcwire.Message) {
	var p *pendingCall
	if id, ok := msg.IntID(); ok {
		p = b.pending.take(id)
	}
	if p == nil {
		metrics.RecordDroppedFrame("unmatched")
		logx.Log.Debug().Str("conn_id", c.id).Str("id", rpcwire.IDString(msg.ID)).Msg("dropping unmatched response")
		return
	}
	if msg.Error != nil {
		p.settle(nil, &RemoteError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data})
		return
	}
	result := msg.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	p.settle(result, nil)
}
