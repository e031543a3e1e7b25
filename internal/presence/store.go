// Package presence keeps the canonical "who is online" view and the
// controller that folds presence channel events into it.
package presence

import (
	"sort"
	"sync"

	"github.com/heartline/presence/internal/metrics"
)

// Status is a member's announced availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// ParseStatus returns the known status named s, or ok=false.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusDND:
		return st, true
	}
	return "", false
}

// Entry is one online member. Token is the membership token of the join
// that produced the entry; only a leave carrying the same token removes it.
type Entry struct {
	UserID string
	Status Status
	Token  string
}

// Store maps user ids to their presence entry. At most one entry exists per
// user id.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	watchers map[uint64]func()
	nextID   uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries:  make(map[string]Entry),
		watchers: make(map[uint64]func()),
	}
}

// SetAll replaces the whole table, tokens included. Later entries for the
// same user id win.
func (s *Store) SetAll(entries []Entry) {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.UserID == "" {
			continue
		}
		next[e.UserID] = e
	}
	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	s.notify()
}

// Upsert inserts or overwrites userID's entry. Joins always supersede.
func (s *Store) Upsert(userID string, status Status, token string) {
	if userID == "" {
		return
	}
	e := Entry{UserID: userID, Status: status, Token: token}
	s.mu.Lock()
	if s.entries[userID] == e {
		s.mu.Unlock()
		return
	}
	s.entries[userID] = e
	s.mu.Unlock()
	s.notify()
}

// Remove deletes userID's entry only when its stored token equals token, and
// reports whether it did. A mismatch means the leave is stale.
func (s *Store) Remove(userID, token string) bool {
	s.mu.Lock()
	e, ok := s.entries[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if e.Token != token {
		s.mu.Unlock()
		metrics.StaleLeaves.Inc()
		return false
	}
	delete(s.entries, userID)
	s.mu.Unlock()
	s.notify()
	return true
}

// StatusOf returns userID's status, or StatusOffline if unknown.
func (s *Store) StatusOf(userID string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[userID]; ok {
		return e.Status
	}
	return StatusOffline
}

// Token returns the stored membership token for userID.
func (s *Store) Token(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[userID]
	return e.Token, ok
}

// UserStatusMap returns a copy of user id -> status.
func (s *Store) UserStatusMap() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.Status
	}
	return out
}

// OnlineUserIDs returns the ids of every member, sorted.
func (s *Store) OnlineUserIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	empty := len(s.entries) == 0
	s.entries = make(map[string]Entry)
	s.mu.Unlock()
	if !empty {
		s.notify()
	}
}

// Watch registers fn to run after every change and returns a func that
// removes it.
func (s *Store) Watch(fn func()) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
