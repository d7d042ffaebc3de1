package execution

import "sync/atomic"

// Workspace is the owner whose teardown cancels pending launches and
// silences lifecycle events.
type Workspace struct {
	name     string
	disposed atomic.Bool
}

func NewWorkspace(name string) *Workspace {
	return &Workspace{name: name}
}

func (w *Workspace) Name() string     { return w.name }
func (w *Workspace) IsDisposed() bool { return w.disposed.Load() }
func (w *Workspace) Dispose()         { w.disposed.Store(true) }
