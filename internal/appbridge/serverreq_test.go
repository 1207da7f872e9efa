package appbridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func connected(t *testing.T, opts Options) (*fakeAgent, *Bridge) {
	t.Helper()
	a := newFakeAgent(t)
	b := newTestBridge(t, a, opts)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, b
}

func TestServerRequestWithoutHandler(t *testing.T) {
	a, _ := connected(t, Options{})
	a.write(`{"jsonrpc":"2.0","id":42,"method":"foo/bar","params":{}}`)

	m := a.next(t)
	if string(m.ID) != "42" {
		t.Fatalf("id = %s", m.ID)
	}
	if m.Error == nil || m.Error.Code != -32000 || !strings.Contains(m.Error.Message, "foo/bar") {
		t.Fatalf("unexpected reply %+v", m.Error)
	}
	if m.Result != nil {
		t.Fatalf("error reply carries a result: %s", m.Result)
	}
}

func TestServerRequestHandled(t *testing.T) {
	a, b := connected(t, Options{})
	b.SetServerRequestHandler(func(ctx context.Context, req ServerRequest) (any, error) {
		if req.Method != "item/commandExecution/requestApproval" {
			t.Errorf("method = %q", req.Method)
		}
		var p struct {
			ThreadID string `json:"threadId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.ThreadID != "t1" {
			t.Errorf("params = %s", req.Params)
		}
		return map[string]any{"decision": "accept"}, nil
	})
	a.write(`{"jsonrpc":"2.0","id":7,"method":"item/commandExecution/requestApproval","params":{"threadId":"t1"}}`)

	m := a.next(t)
	if string(m.ID) != "7" || m.Error != nil {
		t.Fatalf("unexpected reply id=%s err=%+v", m.ID, m.Error)
	}
	if string(m.Result) != `{"decision":"accept"}` {
		t.Fatalf("result = %s", m.Result)
	}
}

func TestServerRequestStringID(t *testing.T) {
	a, b := connected(t, Options{})
	b.SetServerRequestHandler(func(ctx context.Context, req ServerRequest) (any, error) {
		return "ok", nil
	})
	a.write(`{"jsonrpc":"2.0","id":"req-9","method":"approve","params":null}`)

	m := a.next(t)
	if string(m.ID) != `"req-9"` {
		t.Fatalf("id = %s", m.ID)
	}
}

func TestServerRequestHandlerErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler ServerRequestHandler
		want    string
	}{
		{"error", func(context.Context, ServerRequest) (any, error) { return nil, errors.New("user declined") }, "user declined"},
		{"empty", func(context.Context, ServerRequest) (any, error) { return nil, errors.New("") }, handlerFailedMessage},
		{"panic", func(context.Context, ServerRequest) (any, error) { panic("boom") }, "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := connected(t, Options{})
			b.SetServerRequestHandler(tc.handler)
			a.write(`{"jsonrpc":"2.0","id":3,"method":"approve"}`)

			m := a.next(t)
			if m.Error == nil || m.Error.Code != -32000 {
				t.Fatalf("unexpected reply %+v", m)
			}
			if !strings.Contains(m.Error.Message, tc.want) {
				t.Fatalf("message = %q; want %q", m.Error.Message, tc.want)
			}
			if st := b.State(); st.Status != StatusReady {
				t.Fatalf("state = %s", st.Status)
			}
		})
	}
}

func TestServerRequestHandlerReplacement(t *testing.T) {
	a, b := connected(t, Options{})
	b.SetServerRequestHandler(func(context.Context, ServerRequest) (any, error) { return "first", nil })
	b.SetServerRequestHandler(func(context.Context, ServerRequest) (any, error) { return "second", nil })
	a.write(`{"jsonrpc":"2.0","id":1,"method":"approve"}`)
	if m := a.next(t); string(m.Result) != `"second"` {
		t.Fatalf("result = %s", m.Result)
	}

	b.SetServerRequestHandler(nil)
	a.write(`{"jsonrpc":"2.0","id":2,"method":"approve"}`)
	if m := a.next(t); m.Error == nil || m.Error.Code != -32000 {
		t.Fatalf("expected unsupported error, got %+v", m)
	}
}

func TestBlockedHandlerDoesNotStallSession(t *testing.T) {
	a, b := connected(t, Options{})
	release := make(chan struct{})
	b.SetServerRequestHandler(func(ctx context.Context, req ServerRequest) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]any{"decision": "decline"}, nil
	})
	notes := make(chan Notification, 1)
	b.OnNotification(func(n Notification) { notes <- n })

	a.write(`{"jsonrpc":"2.0","id":5,"method":"approve"}`)
	a.write(`{"jsonrpc":"2.0","method":"turn/started","params":{"threadId":"t1"}}`)
	select {
	case n := <-notes:
		if n.Method != "turn/started" {
			t.Fatalf("method = %q", n.Method)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("notification blocked behind pending server request")
	}

	done := callAsync(b, "thread/list", nil)
	m := a.next(t)
	if m.Method != "thread/list" {
		t.Fatalf("expected call frame, got %+v", m)
	}
	a.reply(m, "ok")
	if out := await(t, done); out.err != nil {
		t.Fatalf("call: %v", out.err)
	}

	close(release)
	reply := a.next(t)
	if string(reply.ID) != "5" || string(reply.Result) != `{"decision":"decline"}` {
		t.Fatalf("unexpected reply %+v", reply)
	}
}
