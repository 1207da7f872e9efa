// Package transport owns the physical duplex channel to the agent. It knows
// nothing about JSON-RPC; it moves whole text messages in both directions.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/appbridge/internal/logx"
)

// ErrClosed is returned by Write after the connection was closed.
var ErrClosed = errors.New("transport closed")

// Conn is one message-oriented duplex channel. Read is called from a single
// goroutine; Write and Close may be called concurrently.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a Conn to the agent endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the agent over a WebSocket.
type WebSocketDialer struct {
	Header http.Header
	// ReadLimit caps a single inbound message. Zero uses DefaultReadLimit.
	ReadLimit int64
	// PingInterval enables keepalive pings; a failed ping closes the
	// connection so the reader observes the loss. Zero disables pings.
	PingInterval time.Duration
}

// DefaultReadLimit is large enough for full thread histories.
const DefaultReadLimit = 16 << 20

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	pingCtx, cancel := context.WithCancel(context.Background())
	wc := &wsConn{c: c, cancel: cancel}
	if d.PingInterval > 0 {
		go wc.pingLoop(pingCtx, d.PingInterval, url)
	}
	return wc, nil
}

type wsConn struct {
	c      *websocket.Conn
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	done      bool
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done {
		return ErrClosed
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

// Close tears the socket down without waiting for the peer's close frame.
func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
		w.cancel()
		err = w.c.CloseNow()
	})
	return err
}

func (w *wsConn) pingLoop(ctx context.Context, every time.Duration, url string) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			err := w.c.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logx.Log.Warn().Err(err).Str("url", url).Msg("agent ping failed; closing connection")
				_ = w.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
