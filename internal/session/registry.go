package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CloseTimeout bounds the teardown of one session.
const CloseTimeout = 5 * time.Second

// Registry maps gateway connection ids to their sessions.
type Registry struct {
	deps   Deps
	cfg    Config
	logger logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry creating sessions with deps and cfg.
func NewRegistry(deps Deps, cfg Config, logger logrus.FieldLogger) *Registry {
	return &Registry{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open creates the session for id, closing any previous one with that id.
func (r *Registry) Open(id string, sink Sink) *Session {
	s := New(id, r.deps, r.cfg, sink, r.logger)

	r.mu.Lock()
	prev := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if prev != nil {
		closeSession(prev)
	}
	return s
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Close removes and closes the session for id. Unknown ids are ignored.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		closeSession(s)
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session concurrently and waits for them.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			closeSession(s)
		}(s)
	}
	wg.Wait()
}

func closeSession(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()
	s.Close(ctx)
}
