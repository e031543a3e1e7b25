// Package typing carries ephemeral "peer is typing" signals: a self-expiring
// store, and a multiplexer that shares one broadcast channel per conversation
// among every listener of that conversation.
package typing

import (
	"sort"
	"sync"
	"time"
)

// Store holds per-peer typing flags. Each flag is backed by one or more
// holds, one per listener that received the signal, so a listener releasing
// its hold leaves the others intact. A flag reads false once every hold has
// expired, whether or not it has been released yet.
type Store struct {
	mu       sync.RWMutex
	signals  map[string]map[uint64]time.Time
	watchers map[uint64]func()
	nextID   uint64
	now      func() time.Time
}

// anonymousHold backs flags set directly through Set.
const anonymousHold uint64 = 0

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		signals:  make(map[string]map[uint64]time.Time),
		watchers: make(map[uint64]func()),
		now:      time.Now,
	}
}

// Set marks peerID typing until expiresAt. Empty ids are ignored.
func (s *Store) Set(peerID string, expiresAt time.Time) {
	s.Hold(peerID, anonymousHold, expiresAt)
}

// Hold records holder's signal for peerID until expiresAt, replacing the
// holder's previous expiry. Empty ids are ignored.
func (s *Store) Hold(peerID string, holder uint64, expiresAt time.Time) {
	if peerID == "" {
		return
	}
	s.mu.Lock()
	holds, had := s.signals[peerID]
	if !had {
		holds = make(map[uint64]time.Time, 1)
		s.signals[peerID] = holds
	}
	holds[holder] = expiresAt
	s.mu.Unlock()
	if !had {
		s.notify()
	}
}

// Release drops holder's signal for peerID. The flag goes away with its last
// hold.
func (s *Store) Release(peerID string, holder uint64) {
	if peerID == "" {
		return
	}
	s.mu.Lock()
	holds, ok := s.signals[peerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, held := holds[holder]; !held {
		s.mu.Unlock()
		return
	}
	delete(holds, holder)
	gone := len(holds) == 0
	if gone {
		delete(s.signals, peerID)
	}
	s.mu.Unlock()
	if gone {
		s.notify()
	}
}

// Clear drops peerID's flag along with every hold. Empty ids are ignored.
func (s *Store) Clear(peerID string) {
	if peerID == "" {
		return
	}
	s.mu.Lock()
	_, had := s.signals[peerID]
	delete(s.signals, peerID)
	s.mu.Unlock()
	if had {
		s.notify()
	}
}

// IsTyping reports whether peerID has an unexpired signal.
func (s *Store) IsTyping(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return live(s.signals[peerID], s.now())
}

// Typing returns the sorted ids of peers currently typing.
func (s *Store) Typing() []string {
	s.mu.RLock()
	now := s.now()
	out := make([]string, 0, len(s.signals))
	for id, holds := range s.signals {
		if live(holds, now) {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func live(holds map[uint64]time.Time, now time.Time) bool {
	for _, exp := range holds {
		if now.Before(exp) {
			return true
		}
	}
	return false
}

// Watch registers fn to run when a peer starts or stops typing and returns
// a func that removes it.
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
