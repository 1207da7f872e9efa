package appbridge

import (
	"encoding/json"
	"sync"

	"github.com/gaspardpetit/appbridge/internal/metrics"
)

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is settled by whoever takes it out of the pending set, so it
// resolves exactly once.
type pendingCall struct {
	id     int64
	method string
	conn   *connection
	done   chan callResult
}

func (p *pendingCall) settle(result json.RawMessage, err error) {
	p.done <- callResult{result: result, err: err}
}

type pendingSet struct {
	mu    sync.Mutex
	calls map[int64]*pendingCall
}

func newPendingSet() *pendingSet {
	return &pendingSet{calls: map[int64]*pendingCall{}}
}

func (s *pendingSet) add(id int64, method string, c *connection) *pendingCall {
	p := &pendingCall{id: id, method: method, conn: c, done: make(chan callResult, 1)}
	s.mu.Lock()
	s.calls[id] = p
	n := len(s.calls)
	s.mu.Unlock()
	metrics.SetPendingCalls(n)
	return p
}

// take removes and returns the call for id, or nil when it is unknown.
func (s *pendingSet) take(id int64) *pendingCall {
	s.mu.Lock()
	p, ok := s.calls[id]
	if ok {
		delete(s.calls, id)
	}
	n := len(s.calls)
	s.mu.Unlock()
	if ok {
		metrics.SetPendingCalls(n)
	}
	return p
}

// takeConn removes every call issued on c. A nil c takes everything.
func (s *pendingSet) takeConn(c *connection) []*pendingCall {
	s.mu.Lock()
	var out []*pendingCall
	for id, p := range s.calls {
		if c == nil || p.conn == c {
			out = append(out, p)
			delete(s.calls, id)
		}
	}
	n := len(s.calls)
	s.mu.Unlock()
	metrics.SetPendingCalls(n)
	return out
}

func (s *pendingSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
