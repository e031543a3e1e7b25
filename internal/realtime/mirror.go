package realtime

import (
	"reflect"
	"time"
)

type mirrorMeta struct {
	Meta
	origin string    // channel instance that tracked it
	seen   time.Time // last announcement received
}

// presenceMirror is a channel's local view of the topic's membership. It is
// guarded by the owning channel's mutex.
type presenceMirror struct {
	entries map[string][]mirrorMeta
}

func newPresenceMirror() *presenceMirror {
	return &presenceMirror{entries: make(map[string][]mirrorMeta)}
}

// track folds a track announcement received at now in. An origin holds at
// most one meta per key, so a re-track from the same origin replaces its
// previous meta and reports it as left. Re-announcing an identical meta only
// refreshes it.
func (m *presenceMirror) track(key, origin string, meta Meta, now time.Time) (joined, left []Meta) {
	metas := m.entries[key]
	kept := make([]mirrorMeta, 0, len(metas)+1)
	for i, mm := range metas {
		if mm.Ref == meta.Ref {
			if reflect.DeepEqual(mm.Payload, meta.Payload) {
				metas[i].seen = now
				return nil, nil
			}
			continue
		}
		if mm.origin == origin {
			left = append(left, mm.Meta)
			continue
		}
		kept = append(kept, mm)
	}
	m.entries[key] = append(kept, mirrorMeta{Meta: meta, origin: origin, seen: now})
	return []Meta{meta}, left
}

// expire drops every meta not announced since cutoff and returns them by key.
func (m *presenceMirror) expire(cutoff time.Time) map[string][]Meta {
	var left map[string][]Meta
	for key, metas := range m.entries {
		kept := metas[:0:0]
		for _, mm := range metas {
			if mm.seen.Before(cutoff) {
				if left == nil {
					left = make(map[string][]Meta)
				}
				left[key] = append(left[key], mm.Meta)
				continue
			}
			kept = append(kept, mm)
		}
		if len(kept) == 0 {
			delete(m.entries, key)
		} else if len(kept) != len(metas) {
			m.entries[key] = kept
		}
	}
	return left
}

// untrack removes the meta with ref from key.
func (m *presenceMirror) untrack(key, ref string) []Meta {
	metas, ok := m.entries[key]
	if !ok {
		return nil
	}
	var left []Meta
	kept := metas[:0:0]
	for _, mm := range metas {
		if mm.Ref == ref {
			left = append(left, mm.Meta)
			continue
		}
		kept = append(kept, mm)
	}
	if len(kept) == 0 {
		delete(m.entries, key)
	} else {
		m.entries[key] = kept
	}
	return left
}

func (m *presenceMirror) snapshot() PresenceState {
	state := make(PresenceState, len(m.entries))
	for key, metas := range m.entries {
		out := make([]Meta, len(metas))
		for i, mm := range metas {
			out[i] = Meta{Ref: mm.Ref, Payload: copyPayload(mm.Payload)}
		}
		state[key] = out
	}
	return state
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
