package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/appbridge/internal/appbridge"
	"github.com/gaspardpetit/appbridge/internal/config"
	"github.com/gaspardpetit/appbridge/internal/logx"
	"github.com/gaspardpetit/appbridge/internal/reconnect"
	"github.com/gaspardpetit/appbridge/internal/sessionstate"
)

func TestVersionFlag(t *testing.T) {
	const (
		v    = "v0.0.1-test"
		sha  = "abcdef"
		date = "2000-01-02T03:04:05Z"
	)
	ldflags := fmt.Sprintf("-X main.version=%s -X main.buildSHA=%s -X main.buildDate=%s", v, sha, date)
	cmd := exec.Command("go", "run", "-ldflags", ldflags, ".", "--version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("command failed: %v\n%s", err, out)
	}
	got := strings.TrimSpace(string(out))
	want := fmt.Sprintf("appbridge version=%s sha=%s date=%s", v, sha, date)
	if got != want {
		t.Fatalf("unexpected output: got %q want %q", got, want)
	}
}

// agent answers initialize, echoes every other call's params as its result
// and lets the test drop the live connection.
type agent struct {
	accepts atomic.Int32
	mu      sync.Mutex
	conn    *websocket.Conn
}

func (a *agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
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
		var m struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &m) != nil || len(m.ID) == 0 {
			continue
		}
		result := m.Params
		if m.Method == "fail" {
			reply, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": m.ID, "error": map[string]any{"code": -32602, "message": "bad params"}})
			_ = c.Write(ctx, websocket.MessageText, reply)
			continue
		}
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		reply, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": m.ID, "result": result})
		_ = c.Write(ctx, websocket.MessageText, reply)
	}
}

func (a *agent) drop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.conn.CloseNow()
}

func startAgent(t *testing.T) (*agent, *config.BridgeConfig) {
	t.Helper()
	a := &agent{}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	cfg := &config.BridgeConfig{}
	cfg.SetDefaults("test")
	cfg.AgentURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.CallTimeout = 2 * time.Second
	return a, cfg
}

func TestOneShot(t *testing.T) {
	_, cfg := startAgent(t)
	b := newBridge(cfg, make(chan struct{}, 1))
	defer b.Close()

	var stdout, stderr bytes.Buffer
	code := oneShot(context.Background(), b, "thread/list", json.RawMessage(`{"limit":1}`), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	if got := strings.Join(strings.Fields(stdout.String()), ""); got != `{"limit":1}` {
		t.Fatalf("stdout = %q", stdout.String())
	}

	stdout.Reset()
	code = oneShot(context.Background(), b, "fail", nil, &stdout, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "agent error -32602: bad params") {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
}

func TestSuperviseRestoresSession(t *testing.T) {
	prev := reconnect.Schedule
	reconnect.Schedule = []time.Duration{10 * time.Millisecond}
	defer func() { reconnect.Schedule = prev }()

	sessionstate.UseStore(sessionstate.NewMemoryStore())

	a, cfg := startAgent(t)
	drops := make(chan struct{}, 1)
	b := newBridge(cfg, drops)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := connect(ctx, b, true); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := b.State().ConnectionID

	done := make(chan struct{})
	go func() {
		supervise(ctx, b, drops)
		close(done)
	}()

	a.drop()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := b.State()
		if st.Status == appbridge.StatusReady && st.ConnectionID != first {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not restored: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := a.accepts.Load(); n < 2 {
		t.Fatalf("accepts = %d", n)
	}

	deadline = time.Now().Add(5 * time.Second)
	for sessionstate.Get().ConnectionID != b.State().ConnectionID {
		if time.Now().After(deadline) {
			t.Fatalf("published state %+v does not match %+v", sessionstate.Get(), b.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("supervise did not stop on cancel")
	}
}

func TestDeclineApprovals(t *testing.T) {
	for _, method := range []string{"item/commandExecution/requestApproval", "item/fileChange/requestApproval"} {
		res, err := declineApprovals(context.Background(), appbridge.ServerRequest{Method: method})
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		b, _ := json.Marshal(res)
		if string(b) != `{"decision":"decline"}` {
			t.Fatalf("%s result = %s", method, b)
		}
	}

	res, err := declineApprovals(context.Background(), appbridge.ServerRequest{Method: "item/tool/requestUserInput"})
	if err == nil || !strings.Contains(err.Error(), "item/tool/requestUserInput") {
		t.Fatalf("expected an error for a non-approval request, got %v, %v", res, err)
	}
	if res != nil {
		t.Fatalf("result = %v; want none", res)
	}
}

func TestConfigureLoggingJSON(t *testing.T) {
	prevLevel := zerolog.GlobalLevel()
	prevLog := logx.Log
	defer func() {
		zerolog.SetGlobalLevel(prevLevel)
		logx.Log = prevLog
	}()

	var buf bytes.Buffer
	configureLogging("info", "JSON", &buf)
	logx.Log.Info().Str("conn_id", "c1").Msg("connected")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["conn_id"] != "c1" || line["message"] != "connected" || line["level"] != "info" {
		t.Fatalf("line = %v", line)
	}

	buf.Reset()
	configureLogging("info", "console", &buf)
	logx.Log.Info().Msg("to console")
	if buf.Len() != 0 {
		t.Fatalf("console format wrote to the JSON writer: %q", buf.String())
	}
}
