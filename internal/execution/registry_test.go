package execution

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrackedSession(name string, h ProcessHandle) *Session {
	env := &Environment{ExecutionID: 1, Mode: ModeRun, Profile: &testProfile{name: name}}
	return newSession(env, NewDescriptor(name, h))
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewSessionRegistry()
	removed := 0
	r.onRemove = func(*Session) { removed++ }

	s := newTrackedSession("a", nil)
	r.Add(s)
	require.Equal(t, 1, r.Len())

	assert.True(t, r.Remove(s))
	assert.False(t, r.Remove(s))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, removed)
}

func TestRegistry_DisposalRemovesOnce(t *testing.T) {
	r := NewSessionRegistry()
	removed := 0
	r.onRemove = func(*Session) { removed++ }

	s := newTrackedSession("a", nil)
	r.Add(s)
	s.Descriptor().Dispose()
	s.Descriptor().Dispose()

	_, ok := r.Get(s.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, removed)
}

func TestRegistry_AddAfterDisposalIsRemovedImmediately(t *testing.T) {
	r := NewSessionRegistry()
	s := newTrackedSession("a", nil)
	s.Descriptor().Dispose()

	r.Add(s)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ForEachKeepsInsertionOrder(t *testing.T) {
	r := NewSessionRegistry()
	var added []*Session
	for _, name := range []string{"c", "a", "b", "d"} {
		s := newTrackedSession(name, nil)
		r.Add(s)
		added = append(added, s)
	}

	assert.Equal(t, added, r.All())
	odd := r.ForEach(func(s *Session) bool { return s.Name() == "a" || s.Name() == "d" })
	assert.Equal(t, []*Session{added[1], added[3]}, odd)
}

func TestRegistry_FindByHandle(t *testing.T) {
	r := NewSessionRegistry()
	h := newFakeHandle()
	s := newTrackedSession("a", h)
	r.Add(s)
	r.Add(newTrackedSession("b", newFakeHandle()))

	got, ok := r.FindByHandle(h)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.FindByHandle(newFakeHandle())
	assert.False(t, ok)
	_, ok = r.FindByHandle(nil)
	assert.False(t, ok)
}

func TestRegistry_DisposeAll(t *testing.T) {
	r := NewSessionRegistry()
	a, b := newTrackedSession("a", nil), newTrackedSession("b", nil)
	r.Add(a)
	r.Add(b)

	r.DisposeAll()
	assert.Equal(t, 0, r.Len())
	assert.True(t, a.Descriptor().IsDisposed())
	assert.True(t, b.Descriptor().IsDisposed())
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewSessionRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := newTrackedSession("s", nil)
				r.Add(s)
				_ = r.All()
				s.Descriptor().Dispose()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
