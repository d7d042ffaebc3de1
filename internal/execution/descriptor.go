package execution

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Restarter relaunches a session in place.
type Restarter func(ctx context.Context) error

// Descriptor is the tracked unit a launch produces. It is owned by whoever
// created it; the orchestrator only hooks its disposal.
type Descriptor struct {
	id          string
	displayName string
	handle      ProcessHandle
	executionID atomic.Int64

	mu        sync.Mutex
	restarter Restarter
	disposed  bool
	onDispose []func()
}

// NewDescriptor returns a descriptor for handle, which may be nil.
func NewDescriptor(displayName string, handle ProcessHandle) *Descriptor {
	return &Descriptor{
		id:          uuid.New().String(),
		displayName: displayName,
		handle:      handle,
	}
}

func (d *Descriptor) ID() string              { return d.id }
func (d *Descriptor) DisplayName() string     { return d.displayName }
func (d *Descriptor) Handle() ProcessHandle   { return d.handle }
func (d *Descriptor) ExecutionID() int64      { return d.executionID.Load() }
func (d *Descriptor) SetExecutionID(id int64) { d.executionID.Store(id) }

func (d *Descriptor) SetRestarter(r Restarter) {
	d.mu.Lock()
	d.restarter = r
	d.mu.Unlock()
}

func (d *Descriptor) Restarter() Restarter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarter
}

// OnDispose registers fn to run once when the descriptor is disposed. If the
// descriptor is already disposed fn runs immediately.
func (d *Descriptor) OnDispose(fn func()) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		fn()
		return
	}
	d.onDispose = append(d.onDispose, fn)
	d.mu.Unlock()
}

// Dispose runs the disposal hooks. Only the first call has any effect.
func (d *Descriptor) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	hooks := d.onDispose
	d.onDispose = nil
	d.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (d *Descriptor) IsDisposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}
