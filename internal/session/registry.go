// ABOUTME: Process-wide table of live sessions keyed by session id
// ABOUTME: At most one handle per id; only the Controller mutates it

package session

import (
	"sort"
	"sync"
	"time"

	"github.com/2389/chorus-gateway/internal/protocol"
)

// intakeBuffer bounds the per-session event queue.
const intakeBuffer = 64

// Session is one live client handle. It is never persisted.
type Session struct {
	ID        string
	Client    protocol.Client
	CreatedAt time.Time

	machine *Machine
	events  chan protocol.Event
	closing chan struct{} // closed once teardown has been claimed
	once    sync.Once
}

func newSession(id string, client protocol.Client, now time.Time) *Session {
	return &Session{
		ID:        id,
		Client:    client,
		CreatedAt: now,
		machine:   NewMachine(),
		events:    make(chan protocol.Event, intakeBuffer),
		closing:   make(chan struct{}),
	}
}

// State returns the session's lifecycle state.
func (s *Session) State() State { return s.machine.State() }

// claimTeardown returns true for exactly one caller.
func (s *Session) claimTeardown() bool {
	claimed := false
	s.once.Do(func() {
		close(s.closing)
		claimed = true
	})
	return claimed
}

// enqueue hands an event to the intake goroutine. It gives up once the
// session is being torn down.
func (s *Session) enqueue(ev protocol.Event) {
	select {
	case <-s.closing:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// Lookup is the read-only view of the registry handed to the router.
type Lookup interface {
	Client(sessionID string) (protocol.Client, bool)
}

// Registry maps session ids to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session registered for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Client implements Lookup.
func (r *Registry) Client(id string) (protocol.Client, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return s.Client, true
}

// Set registers s under id, replacing any previous entry.
func (r *Registry) Set(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

// Remove deletes the entry for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// RemoveIf deletes the entry for id only if it is still s. Reports whether it did.
func (r *Registry) RemoveIf(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// List returns a snapshot of all sessions sorted by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns how many sessions are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
