package appbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/appbridge/internal/logx"
	"github.com/gaspardpetit/appbridge/internal/metrics"
	"github.com/gaspardpetit/appbridge/internal/rpcwire"
	"github.com/gaspardpetit/appbridge/internal/transport"
)

// Status is the lifecycle state of the session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
)

func (s Status) level() int {
	switch s {
	case StatusConnecting:
		return 1
	case StatusInitializing:
		return 2
	case StatusReady:
		return 3
	default:
		return 0
	}
}

// State is a snapshot of the session.
type State struct {
	Status       Status
	ConnectionID string
	Since        time.Time
	LastError    string
}

// ClientInfo identifies the bridge in the initialize handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// Options configures a Bridge.
type Options struct {
	URL             string
	ClientInfo      ClientInfo
	ExperimentalAPI bool

	// CallTimeout is the fixed deadline of every call. Defaults to 15s.
	CallTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Dialer transport.Dialer

	// OnStateChange observes session transitions from a dedicated goroutine.
	// Rapid transitions may be coalesced; the latest state is always delivered.
	OnStateChange func(State)
}

const (
	DefaultCallTimeout  = 15 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Bridge is one logical JSON-RPC session with the agent. It is safe for
// concurrent use.
type Bridge struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	nextID  atomic.Int64
	pending *pendingSet
	global  *listenerSet
	threads *threadRegistry

	handlerMu sync.RWMutex
	handler   ServerRequestHandler

	mu      sync.Mutex
	state   State
	current *connection
	attempt *connectAttempt
	closed  bool

	feed *stateFeed
}

type connection struct {
	id      string
	conn    transport.Conn
	writeMu sync.Mutex
	retired atomic.Bool
}

func (c *connection) send(ctx context.Context, frame []byte) error {
	if c.retired.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, frame)
}

// connectAttempt is shared by every caller that joins one in-flight connect.
type connectAttempt struct {
	done chan struct{}
	err  error
}

func (a *connectAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

// New constructs a Bridge. No connection is made until the first Connect or
// Call.
func New(opts Options) *Bridge {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.WebSocketDialer{PingInterval: 30 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		pending: newPendingSet(),
		global:  newListenerSet(ctx),
		threads: newThreadRegistry(ctx),
		state:   State{Status: StatusDisconnected, Since: time.Now()},
	}
	if opts.OnStateChange != nil {
		b.feed = newStateFeed()
		go b.feed.run(ctx, opts.OnStateChange)
	}
	return b
}

// State returns the current session snapshot.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setStatusLocked(s Status, connID string, err error) {
	st := State{Status: s, ConnectionID: connID, Since: time.Now()}
	switch {
	case err != nil:
		st.LastError = err.Error()
	case s != StatusReady:
		st.LastError = b.state.LastError
	}
	b.state = st
	metrics.SetConnectionState(s.level())
	if b.feed != nil {
		b.feed.publish(st)
	}
}

// Connect establishes the session, or joins the attempt already in flight.
// It returns once the session is ready. ctx bounds only this caller's wait.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.state.Status == StatusReady && b.current != nil {
		b.mu.Unlock()
		return nil
	}
	att := b.attempt
	if att == nil {
		att = &connectAttempt{done: make(chan struct{})}
		b.attempt = att
		b.setStatusLocked(StatusConnecting, "", nil)
		go b.establish(att)
	}
	b.mu.Unlock()

	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) establish(att *connectAttempt) {
	dialCtx, cancel := context.WithTimeout(b.ctx, b.opts.DialTimeout)
	conn, err := b.opts.Dialer.Dial(dialCtx, b.opts.URL)
	cancel()
	if err != nil {
		err = &TransportError{Op: "dial", Err: err}
		b.mu.Lock()
		if b.closed {
			err = ErrClosed
		}
		if b.attempt == att {
			b.attempt = nil
			b.setStatusLocked(StatusDisconnected, "", err)
		}
		b.mu.Unlock()
		logx.Log.Warn().Err(err).Str("url", b.opts.URL).Msg("agent connect failed")
		att.finish(err)
		return
	}

	c := &connection{id: uuid.NewString(), conn: conn}
	b.mu.Lock()
	if b.attempt != att || b.closed {
		closed := b.closed
		b.mu.Unlock()
		_ = conn.Close()
		att.finish(supersededErr(closed))
		return
	}
	b.current = c
	b.setStatusLocked(StatusInitializing, c.id, nil)
	b.mu.Unlock()
	logx.Log.Info().Str("conn_id", c.id).Str("url", b.opts.URL).Msg("connected to agent")

	go b.readLoop(c)
	b.handshake(c)

	b.mu.Lock()
	if b.attempt != att || b.current != c {
		closed := b.closed
		if b.attempt == att {
			b.attempt = nil
		}
		b.mu.Unlock()
		att.finish(supersededErr(closed))
		return
	}
	b.attempt = nil
	b.setStatusLocked(StatusReady, c.id, nil)
	b.mu.Unlock()
	logx.Log.Info().Str("conn_id", c.id).Msg("agent session ready")
	att.finish(nil)
}

func supersededErr(closed bool) error {
	if closed {
		return ErrClosed
	}
	return ErrConnectionClosed
}

// readyConn returns the current connection when the session is ready.
func (b *Bridge) readyConn() *connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Status != StatusReady {
		return nil
	}
	return b.current
}

// Reconnect tears down the current connection, fails every pending call and
// performs a fresh connect and handshake.
func (b *Bridge) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	old := b.current
	b.current = nil
	b.attempt = nil
	b.setStatusLocked(StatusDisconnected, "", nil)
	b.mu.Unlock()

	metrics.RecordReconnect()
	if old != nil {
		logx.Log.Info().Str("conn_id", old.id).Msg("reconnecting to agent")
		b.retire(old)
	}
	return b.Connect(ctx)
}

// Close shuts the bridge down for good. Pending calls fail with
// ErrConnectionClosed; later calls fail with ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	old := b.current
	b.current = nil
	b.attempt = nil
	b.setStatusLocked(StatusDisconnected, "", nil)
	b.mu.Unlock()

	if old != nil {
		b.retire(old)
	}
	for _, p := range b.pending.takeConn(nil) {
		p.settle(nil, ErrConnectionClosed)
	}
	b.cancel()
	return nil
}

// retire closes c and fails every call that was issued on it.
func (b *Bridge) retire(c *connection) {
	c.retired.Store(true)
	_ = c.conn.Close()
	failed := b.pending.takeConn(c)
	for _, p := range failed {
		p.settle(nil, ErrConnectionClosed)
	}
	if len(failed) > 0 {
		logx.Log.Info().Str("conn_id", c.id).Int("pending", len(failed)).Msg("failed pending calls on disconnect")
	}
}

// Call issues method with params and waits for its result. The session is
// established first when needed.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	c := b.readyConn()
	if c == nil {
		return nil, ErrConnectionClosed
	}
	return b.callOn(ctx, c, method, params)
}

// Notify sends a notification to the agent.
func (b *Bridge) Notify(ctx context.Context, method string, params any) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	c := b.readyConn()
	if c == nil {
		return ErrConnectionClosed
	}
	return b.notifyOn(c, method, params)
}

func (b *Bridge) callOn(ctx context.Context, c *connection, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	res, err := b.roundTrip(ctx, c, method, params)
	metrics.RecordCall(method, outcome(err), time.Since(start))
	return res, err
}

func (b *Bridge) roundTrip(ctx context.Context, c *connection, method string, params any) (json.RawMessage, error) {
	id := b.nextID.Add(1)
	frame, err := rpcwire.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	p := b.pending.add(id, method, c)
	if err := b.send(c, frame); err != nil {
		if b.pending.take(id) != nil {
			return nil, err
		}
		r := <-p.done
		return r.result, r.err
	}

	timer := time.NewTimer(b.opts.CallTimeout)
	defer timer.Stop()
	select {
	case r := <-p.done:
		return r.result, r.err
	case <-timer.C:
		if b.pending.take(id) != nil {
			logx.Log.Debug().Int64("id", id).Str("method", method).Msg("call timed out")
			return nil, fmt.Errorf("%s (id %d) after %s: %w", method, id, b.opts.CallTimeout, ErrTimeout)
		}
	case <-ctx.Done():
		if b.pending.take(id) != nil {
			return nil, ctx.Err()
		}
	}
	// Settled concurrently with the deadline; honor that outcome.
	r := <-p.done
	return r.result, r.err
}

func (b *Bridge) notifyOn(c *connection, method string, params any) error {
	frame, err := rpcwire.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	return b.send(c, frame)
}

func (b *Bridge) send(c *connection, frame []byte) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.WriteTimeout)
	defer cancel()
	if err := c.send(ctx, frame); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return err
		}
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// stateFeed hands the latest State to an observer without blocking the
// session.
type stateFeed struct {
	mu   sync.Mutex
	next *State
	wake chan struct{}
}

func newStateFeed() *stateFeed {
	return &stateFeed{wake: make(chan struct{}, 1)}
}

func (f *stateFeed) publish(s State) {
	f.mu.Lock()
	f.next = &s
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *stateFeed) take() (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next == nil {
		return State{}, false
	}
	s := *f.next
	f.next = nil
	return s, true
}

func (f *stateFeed) run(ctx context.Context, fn func(State)) {
	for {
		select {
		case <-f.wake:
			if s, ok := f.take(); ok {
				fn(s)
			}
		case <-ctx.Done():
			if s, ok := f.take(); ok {
				fn(s)
			}
			return
		}
	}
}
