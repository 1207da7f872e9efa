package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/appbridge/core/secret"
	"github.com/gaspardpetit/appbridge/internal/appbridge"
	"github.com/gaspardpetit/appbridge/internal/config"
	"github.com/gaspardpetit/appbridge/internal/logx"
	"github.com/gaspardpetit/appbridge/internal/metrics"
	"github.com/gaspardpetit/appbridge/internal/reconnect"
	"github.com/gaspardpetit/appbridge/internal/server"
	"github.com/gaspardpetit/appbridge/internal/sessionstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	callMethod := flag.String("call", "", "issue one call with this method, print its result and exit")
	callParams := flag.String("params", "", "JSON params for -call")
	autoDecline := flag.Bool("auto-decline", false, "decline agent approval requests; other server requests get an error reply")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "appbridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	cfg, err := config.Load(flag.CommandLine, os.Args[1:], version)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("appbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	configureLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	var params json.RawMessage
	if *callParams != "" {
		if !json.Valid([]byte(*callParams)) {
			logx.Log.Fatal().Str("params", *callParams).Msg("-params is not valid JSON")
		}
		params = json.RawMessage(*callParams)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	if cfg.RedisAddr != "" {
		rs, err := sessionstate.NewRedisStore(ctx, cfg.RedisAddr, "")
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis")
		}
		defer rs.Close()
		sessionstate.UseStore(rs)
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis session store")
	}

	drops := make(chan struct{}, 1)
	bridge := newBridge(cfg, drops)
	defer bridge.Close()

	if *autoDecline {
		bridge.SetServerRequestHandler(declineApprovals)
	}
	bridge.OnNotification(func(n appbridge.Notification) {
		logx.Log.Debug().Str("method", n.Method).Str("thread_id", n.ThreadID).Msg("notification")
	})

	var shuttingDown atomic.Bool
	var statusSrv *http.Server
	if cfg.StatusAddr != "" && *callMethod == "" {
		statusSrv = &http.Server{
			Addr: cfg.StatusAddr,
			Handler: server.New(server.Options{
				AllowedOrigins: cfg.AllowedOrigins,
				Gatherer:       reg,
				Draining:       shuttingDown.Load,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logx.Log.Info().Str("addr", cfg.StatusAddr).Msg("status server listening")
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("status server")
			}
		}()
	}

	if err := connect(ctx, bridge, cfg.Reconnect && *callMethod == ""); err != nil {
		if ctx.Err() != nil {
			return
		}
		logx.Log.Fatal().Err(err).Str("url", cfg.AgentURL).Msg("connect to agent")
	}

	if *callMethod != "" {
		code := oneShot(ctx, bridge, *callMethod, params, os.Stdout, os.Stderr)
		_ = bridge.Close()
		os.Exit(code)
	}

	if cfg.Reconnect {
		supervise(ctx, bridge, drops)
	} else {
		<-ctx.Done()
	}

	shuttingDown.Store(true)
	logx.Log.Info().Msg("shutting down")
	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("status server shutdown")
		}
	}
}

// configureLogging applies the level and switches to JSON lines on w when
// format asks for it.
func configureLogging(level, format string, w io.Writer) {
	logx.Configure(level)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		logx.UseJSON(w)
	}
}

// newBridge builds the session and publishes every state change. drops is
// signalled whenever the session is seen disconnected.
func newBridge(cfg *config.BridgeConfig, drops chan<- struct{}) *appbridge.Bridge {
	return appbridge.New(appbridge.Options{
		URL:             cfg.AgentURL,
		ClientInfo:      appbridge.ClientInfo{Name: cfg.ClientName, Version: cfg.ClientVersion},
		ExperimentalAPI: cfg.ExperimentalAPI,
		CallTimeout:     cfg.CallTimeout,
		OnStateChange: func(s appbridge.State) {
			sessionstate.Set(sessionstate.State{
				Status:       string(s.Status),
				ConnectionID: s.ConnectionID,
				Since:        s.Since,
				LastError:    s.LastError,
			})
			if s.Status == appbridge.StatusDisconnected {
				select {
				case drops <- struct{}{}:
				default:
				}
			}
		},
	})
}

func connect(ctx context.Context, b *appbridge.Bridge, retry bool) error {
	if !retry {
		return b.Connect(ctx)
	}
	return reconnect.Retry(ctx, b.Connect, func(attempt int, err error, wait time.Duration) {
		logx.Log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", wait).Msg("agent unavailable")
	})
}

// supervise rebuilds the session whenever it drops, until ctx is done.
func supervise(ctx context.Context, b *appbridge.Bridge, drops <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-drops:
		}
		if b.State().Status != appbridge.StatusDisconnected {
			continue
		}
		err := reconnect.Retry(ctx, b.Reconnect, func(attempt int, err error, wait time.Duration) {
			logx.Log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", wait).Msg("reconnect failed")
		})
		if err != nil {
			return
		}
		logx.Log.Info().Str("conn_id", b.State().ConnectionID).Msg("agent session restored")
	}
}

// oneShot issues a single call and prints its result. It returns the process
// exit code.
func oneShot(ctx context.Context, b *appbridge.Bridge, method string, params json.RawMessage, stdout, stderr io.Writer) int {
	var p any
	if params != nil {
		p = params
	}
	res, err := b.Call(ctx, method, p)
	if err != nil {
		var remote *appbridge.RemoteError
		if errors.As(err, &remote) {
			_, _ = fmt.Fprintf(stderr, "agent error %d: %s\n", remote.Code, remote.Message)
		} else {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", method, err)
		}
		return 1
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		out = res
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

// declineApprovals refuses approval requests. Anything else has no safe
// automatic answer and is failed back to the agent.
func declineApprovals(_ context.Context, req appbridge.ServerRequest) (any, error) {
	if !strings.HasSuffix(req.Method, "requestApproval") {
		return nil, fmt.Errorf("no automatic answer for %s", req.Method)
	}
	logx.Log.Info().Str("method", req.Method).Msg("declining agent request")
	return map[string]string{"decision": "decline"}, nil
}
