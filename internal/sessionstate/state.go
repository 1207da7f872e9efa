package sessionstate

import (
	"sync/atomic"
	"time"
)

// State is the published view of the agent session. It carries status only;
// conversation content is never stored here.
type State struct {
	Status       string    `json:"status"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Since        time.Time `json:"since"`
	LastError    string    `json:"last_error,omitempty"`
}

// Ready reports whether the session can carry calls.
func (s State) Ready() bool { return s.Status == StatusReady }

const (
	StatusDisconnected = "disconnected"
	StatusReady        = "ready"
	statusUnknown      = "unknown"
)

// Store defines how the session state is persisted. Implementations may keep
// it in memory or in an external service such as Redis so a gateway can
// observe the bridge.
type Store interface {
	Load() State
	Store(State)
}

type holder struct{ Store }

var active atomic.Value

func init() {
	active.Store(holder{NewMemoryStore()})
}

// UseStore replaces the active Store. A nil store is ignored.
func UseStore(s Store) {
	if s != nil {
		active.Store(holder{s})
	}
}

func current() Store {
	return active.Load().(holder).Store
}

// memoryStore keeps the state in process.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "disconnected".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusDisconnected})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: statusUnknown}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// Set publishes s to the active store.
func Set(s State) {
	if s.Since.IsZero() {
		s.Since = time.Now()
	}
	current().Store(s)
}

// Get returns the last published state.
func Get() State {
	return current().Load()
}
