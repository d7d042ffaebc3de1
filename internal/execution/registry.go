package execution

import (
	"sort"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// SessionRegistry tracks active sessions by descriptor id. It is safe for
// concurrent use; enumeration returns a snapshot.
type SessionRegistry struct {
	sessions cmap.ConcurrentMap[string, *Session]
	seq      atomic.Uint64
	onRemove func(*Session)
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: cmap.New[*Session]()}
}

// Add tracks s and hooks the removal into its descriptor's disposal.
func (r *SessionRegistry) Add(s *Session) {
	s.seq = r.seq.Add(1)
	r.sessions.Set(s.ID(), s)
	s.descriptor.OnDispose(func() { r.Remove(s) })
}

// Remove untracks s. It reports whether s was tracked; repeated calls return false.
func (r *SessionRegistry) Remove(s *Session) bool {
	removed := r.sessions.RemoveCb(s.ID(), func(_ string, cur *Session, exists bool) bool {
		return exists && cur == s
	})
	if removed && r.onRemove != nil {
		r.onRemove(s)
	}
	return removed
}

// Get returns the session tracked under descriptor id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

// ForEach returns the sessions matching pred in insertion order.
func (r *SessionRegistry) ForEach(pred func(*Session) bool) []*Session {
	var out []*Session
	for item := range r.sessions.IterBuffered() {
		if pred == nil || pred(item.Val) {
			out = append(out, item.Val)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// All returns every tracked session in insertion order.
func (r *SessionRegistry) All() []*Session {
	return r.ForEach(nil)
}

// Len reports how many sessions are tracked.
func (r *SessionRegistry) Len() int {
	return r.sessions.Count()
}

// FindByHandle returns the session owning h.
func (r *SessionRegistry) FindByHandle(h ProcessHandle) (*Session, bool) {
	if h == nil {
		return nil, false
	}
	for _, s := range r.All() {
		if s.Handle() == h {
			return s, true
		}
	}
	return nil, false
}

// DisposeAll disposes every tracked descriptor and clears the registry.
func (r *SessionRegistry) DisposeAll() {
	for _, s := range r.All() {
		s.descriptor.Dispose()
	}
	r.sessions.Clear()
}
