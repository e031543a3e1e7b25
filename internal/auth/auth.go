// Package auth models the authentication state the realtime layer reacts to.
// Verifying identities is the job of the external auth service; this package
// only carries its outcome.
package auth

import "sync"

// Status is the coarse authentication status of a session.
type Status string

const (
	StatusNone          Status = "none"
	StatusAnonymous     Status = "anonymous"
	StatusAuthenticated Status = "authenticated"
	StatusOnboarding    Status = "onboarding"
)

// State is the current auth state: who the user is and how far they got.
type State struct {
	UserID string
	Status Status
}

// HasIdentity reports whether the state carries a usable user id.
func (s State) HasIdentity() bool {
	if s.UserID == "" {
		return false
	}
	return s.Status == StatusAuthenticated || s.Status == StatusOnboarding
}

// Holder stores the current State and notifies watchers on transitions.
type Holder struct {
	mu       sync.Mutex
	state    State
	watchers map[uint64]func(State)
	nextID   uint64
}

// NewHolder returns a holder in StatusNone.
func NewHolder() *Holder {
	return &Holder{
		state:    State{Status: StatusNone},
		watchers: make(map[uint64]func(State)),
	}
}

// Get returns the current state.
func (h *Holder) Get() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Set replaces the state. Watchers run only when the state actually changed,
// in the caller's goroutine.
func (h *Holder) Set(s State) {
	h.mu.Lock()
	if s == h.state {
		h.mu.Unlock()
		return
	}
	h.state = s
	fns := make([]func(State), 0, len(h.watchers))
	for _, fn := range h.watchers {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Watch registers fn for state transitions and returns a func that removes it.
func (h *Holder) Watch(fn func(State)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.watchers[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}
}
