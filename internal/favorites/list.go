package favorites

import (
	"context"
	"sync"
)

// Loader fetches a user's favorites. *Store satisfies it.
type Loader interface {
	List(ctx context.Context, userID string) ([]Profile, error)
}

// List is a read-mostly cached favorites list for one user.
type List struct {
	loader Loader

	mu       sync.RWMutex
	profiles []Profile
	byID     map[string]Profile
}

// NewList returns an empty list backed by loader. A nil loader keeps the
// list empty.
func NewList(loader Loader) *List {
	return &List{loader: loader, byID: make(map[string]Profile)}
}

// Refresh reloads the list for userID. On error the previous contents stay.
func (l *List) Refresh(ctx context.Context, userID string) error {
	if l.loader == nil || userID == "" {
		return nil
	}
	profiles, err := l.loader.List(ctx, userID)
	if err != nil {
		return err
	}
	l.Set(profiles)
	return nil
}

// Set replaces the cached list.
func (l *List) Set(profiles []Profile) {
	byID := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	l.mu.Lock()
	l.profiles = append([]Profile(nil), profiles...)
	l.byID = byID
	l.mu.Unlock()
}

// Clear empties the list.
func (l *List) Clear() { l.Set(nil) }

// Favorites returns a copy of the cached list.
func (l *List) Favorites() []Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Profile(nil), l.profiles...)
}

// Lookup returns the favorite with id, if present.
func (l *List) Lookup(id string) (Profile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.byID[id]
	return p, ok
}
