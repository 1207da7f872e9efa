package appbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/gaspardpetit/appbridge/internal/logx"
	"github.com/gaspardpetit/appbridge/internal/metrics"
	"github.com/gaspardpetit/appbridge/internal/rpcwire"
)

// Notification is an inbound notification as seen by listeners. ThreadID is
// empty when no conversation id could be found in Params.
type Notification struct {
	Method   string
	Params   json.RawMessage
	ThreadID string
}

// NotificationListener receives notifications. Each registration is served
// by its own goroutine in arrival order, so a listener may block or call
// back into the bridge. A panic is recovered and logged.
type NotificationListener func(Notification)

// threadIDKeys are checked on each object, in this order, before descending.
var threadIDKeys = []string{"threadId", "thread_id", "conversationId", "conversation_id"}

// maxThreadIDDepth bounds the search; deeper structure counts as "no id".
const maxThreadIDDepth = 32

// mailbox queues notifications for one registration and delivers them in
// order from a dedicated goroutine.
type mailbox struct {
	fn    NotificationListener
	mu    sync.Mutex
	queue []Notification
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func newMailbox(ctx context.Context, fn NotificationListener) *mailbox {
	m := &mailbox{fn: fn, wake: make(chan struct{}, 1), stop: make(chan struct{})}
	go m.run(ctx)
	return m
}

func (m *mailbox) post(n Notification) {
	m.mu.Lock()
	m.queue = append(m.queue, n)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *mailbox) next() (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Notification{}, false
	}
	n := m.queue[0]
	m.queue[0] = Notification{}
	m.queue = m.queue[1:]
	return n, true
}

func (m *mailbox) run(ctx context.Context) {
	for {
		select {
		case <-m.wake:
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
		for {
			n, ok := m.next()
			if !ok {
				break
			}
			select {
			case <-m.stop:
				return
			default:
			}
			deliver(m.fn, n)
		}
	}
}

type registration struct {
	id  uint64
	box *mailbox
}

type listenerSet struct {
	ctx  context.Context
	mu   sync.RWMutex
	next uint64
	regs []registration
}

func newListenerSet(ctx context.Context) *listenerSet {
	return &listenerSet{ctx: ctx}
}

func (s *listenerSet) add(fn NotificationListener) func() {
	box := newMailbox(s.ctx, fn)
	s.mu.Lock()
	s.next++
	id := s.next
	s.regs = append(s.regs, registration{id: id, box: box})
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			box.close()
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, r := range s.regs {
				if r.id == id {
					s.regs = append(s.regs[:i:i], s.regs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet) snapshot() []*mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mailbox, len(s.regs))
	for i, r := range s.regs {
		out[i] = r.box
	}
	return out
}

// threadRegistry groups listeners by conversation id. A conversation with no
// listeners left is removed.
type threadRegistry struct {
	ctx      context.Context
	mu       sync.RWMutex
	next     uint64
	byThread map[string][]registration
}

func newThreadRegistry(ctx context.Context) *threadRegistry {
	return &threadRegistry{ctx: ctx, byThread: map[string][]registration{}}
}

func (r *threadRegistry) add(threadID string, fn NotificationListener) func() {
	box := newMailbox(r.ctx, fn)
	r.mu.Lock()
	r.next++
	id := r.next
	r.byThread[threadID] = append(r.byThread[threadID], registration{id: id, box: box})
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			box.close()
			r.remove(threadID, id)
		})
	}
}

func (r *threadRegistry) remove(threadID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byThread[threadID]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		regs = append(regs[:i:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(r.byThread, threadID)
		} else {
			r.byThread[threadID] = regs
		}
		return
	}
}

func (r *threadRegistry) listeners(threadID string) []*mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.byThread[threadID]
	out := make([]*mailbox, len(regs))
	for i, reg := range regs {
		out[i] = reg.box
	}
	return out
}

func (r *threadRegistry) all() []*mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mailbox
	for _, regs := range r.byThread {
		for _, reg := range regs {
			out = append(out, reg.box)
		}
	}
	return out
}

func (r *threadRegistry) threadCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byThread)
}

// OnNotification registers a listener for every notification. The returned
// function removes it.
func (b *Bridge) OnNotification(l NotificationListener) func() {
	return b.global.add(l)
}

// SubscribeThread registers a listener for one conversation. It also
// receives notifications that carry no conversation id. The returned
// function removes it.
func (b *Bridge) SubscribeThread(threadID string, l NotificationListener) func() {
	return b.threads.add(threadID, l)
}

func (b *Bridge) dispatch(msg *rpcwire.Message) {
	n := Notification{Method: msg.Method, Params: msg.Params, ThreadID: ExtractThreadID(msg.Params)}
	for _, m := range b.global.snapshot() {
		m.post(n)
	}
	var targets []*mailbox
	if n.ThreadID != "" {
		targets = b.threads.listeners(n.ThreadID)
		metrics.RecordNotification("thread")
	} else {
		targets = b.threads.all()
		metrics.RecordNotification("broadcast")
	}
	for _, m := range targets {
		m.post(n)
	}
}

func deliver(l NotificationListener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Interface("panic", r).Str("method", n.Method).Str("thread_id", n.ThreadID).Msg("notification listener panicked")
		}
	}()
	l(n)
}

// ExtractThreadID searches params for a conversation id. Each object is
// checked for the recognized keys first, then its values are searched in
// document order, as are list elements. Only non-empty strings match.
func ExtractThreadID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	v, err := decodeOrdered(dec)
	if err != nil {
		return ""
	}
	return findThreadID(v, 0)
}

type orderedObject struct {
	keys []string
	vals map[string]any
}

// decodeOrdered decodes one JSON value, keeping object keys in document
// order.
func decodeOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := &orderedObject{vals: map[string]any{}}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := kt.(string)
				v, err := decodeOrdered(dec)
				if err != nil {
					return nil, err
				}
				if _, dup := obj.vals[key]; !dup {
					obj.keys = append(obj.keys, key)
				}
				obj.vals[key] = v
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			var list []any
			for dec.More() {
				v, err := decodeOrdered(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		}
	}
	return tok, nil
}

func findThreadID(v any, depth int) string {
	if depth > maxThreadIDDepth {
		return ""
	}
	switch t := v.(type) {
	case *orderedObject:
		for _, k := range threadIDKeys {
			if s, ok := t.vals[k].(string); ok && s != "" {
				return s
			}
		}
		for _, k := range t.keys {
			if id := findThreadID(t.vals[k], depth+1); id != "" {
				return id
			}
		}
	case []any:
		for _, e := range t {
			if id := findThreadID(e, depth+1); id != "" {
				return id
			}
		}
	}
	return ""
}
