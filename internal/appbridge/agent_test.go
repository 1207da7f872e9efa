package appbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/appbridge/internal/rpcwire"
)

// fakeAgent is a websocket JSON-RPC peer that answers the handshake and
// hands every other frame to the test.
type fakeAgent struct {
	t   *testing.T
	srv *httptest.Server
	url string

	accepts    atomic.Int32
	initError  bool
	initSilent atomic.Bool

	handshakes chan *rpcwire.Message
	frames     chan *rpcwire.Message

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{
		t:          t,
		handshakes: make(chan *rpcwire.Message, 64),
		frames:     make(chan *rpcwire.Message, 64),
	}
	a.srv = httptest.NewServer(http.HandlerFunc(a.serve))
	a.url = "ws" + strings.TrimPrefix(a.srv.URL, "http")
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) serve(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.t.Errorf("accept: %v", err)
		return
	}
	a.accepts.Add(1)
	a.mu.Lock()
	a.conn = c
	a.mu.Unlock()

	ctx := context.Background()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		m, err := rpcwire.Decode(data)
		if err != nil {
			continue
		}
		switch m.Method {
		case methodInitialize:
			a.handshakes <- m
			switch {
			case a.initSilent.Load():
			case a.initError:
				a.writeTo(c, map[string]any{"jsonrpc": "2.0", "id": m.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
			default:
				a.writeTo(c, map[string]any{"jsonrpc": "2.0", "id": m.ID, "result": map[string]any{"userAgent": "fake-agent/1.0"}})
			}
		case methodInitialized:
			a.handshakes <- m
		default:
			a.frames <- m
		}
	}
}

func (a *fakeAgent) writeTo(c *websocket.Conn, v any) {
	var b []byte
	switch x := v.(type) {
	case string:
		b = []byte(x)
	default:
		var err error
		b, err = json.Marshal(v)
		if err != nil {
			a.t.Errorf("marshal: %v", err)
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Write(ctx, websocket.MessageText, b)
}

// write sends v (a raw string or a JSON-encodable value) on the latest
// connection.
func (a *fakeAgent) write(v any) {
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c == nil {
		a.t.Fatalf("no agent connection")
	}
	a.writeTo(c, v)
}

func (a *fakeAgent) reply(m *rpcwire.Message, result any) {
	a.write(map[string]any{"jsonrpc": "2.0", "id": m.ID, "result": result})
}

func (a *fakeAgent) dropConnection() {
	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	_ = c.CloseNow()
}

func (a *fakeAgent) next(t *testing.T) *rpcwire.Message {
	t.Helper()
	select {
	case m := <-a.frames:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a frame")
		return nil
	}
}

func (a *fakeAgent) nextHandshake(t *testing.T) *rpcwire.Message {
	t.Helper()
	select {
	case m := <-a.handshakes:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a handshake frame")
		return nil
	}
}

func newTestBridge(t *testing.T, a *fakeAgent, opts Options) *Bridge {
	t.Helper()
	opts.URL = a.url
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = ClientInfo{Name: "appbridge-test", Version: "0.0.1"}
	}
	b := New(opts)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

func callAsync(b *Bridge, method string, params any) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		res, err := b.Call(context.Background(), method, params)
		ch <- callOutcome{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for call")
		return callOutcome{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
