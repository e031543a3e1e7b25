// Package notify holds the user-facing notification log and the relay that
// turns inbox broadcasts into notifications.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heartline/presence/internal/metrics"
)

// Type classifies a notification.
type Type string

const (
	TypeMessage   Type = "message"
	TypePresence  Type = "presence"
	TypeFavorited Type = "favorited"
)

// Notification is one user-facing alert. Only Read ever changes after Add.
type Notification struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	UserID    string         `json:"user_id"`
	Meta      map[string]any `json:"meta,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is an in-memory, most-recent-first notification log.
type Store struct {
	mu       sync.RWMutex
	items    []Notification
	watchers map[uint64]func()
	nextID   uint64
	now      func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{watchers: make(map[uint64]func()), now: time.Now}
}

// Add assigns an id and creation time to n, marks it unread and inserts it
// at the head of the log. The stored notification is returned.
func (s *Store) Add(n Notification) Notification {
	n.ID = uuid.New().String()
	n.CreatedAt = s.now()
	n.Read = false

	s.mu.Lock()
	s.items = append(s.items, Notification{})
	copy(s.items[1:], s.items)
	s.items[0] = n
	s.mu.Unlock()

	metrics.Notifications.WithLabelValues(string(n.Type)).Inc()
	s.notify()
	return n
}

// Notifications returns a copy of the log, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.items...)
}

// UnreadCount returns the number of unread notifications.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// MarkAllAsRead marks every notification read.
func (s *Store) MarkAllAsRead() {
	s.markWhere(func(Notification) bool { return true })
}

// MarkMessageNotificationAsRead marks message notifications from senderID read.
func (s *Store) MarkMessageNotificationAsRead(senderID string) {
	if senderID == "" {
		return
	}
	s.markWhere(func(n Notification) bool {
		return n.Type == TypeMessage && n.UserID == senderID
	})
}

// MarkAsRead marks the notification with id read.
func (s *Store) MarkAsRead(id string) {
	s.markWhere(func(n Notification) bool { return n.ID == id })
}

func (s *Store) markWhere(match func(Notification) bool) {
	changed := false
	s.mu.Lock()
	for i := range s.items {
		if !s.items[i].Read && match(s.items[i]) {
			s.items[i].Read = true
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
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
