package execution

import (
	"context"
	"sync"
)

// RunState is the runner-specific description of what to launch.
type RunState any

// Starter launches a prepared run state. A nil descriptor with a nil error
// means nothing was started.
type Starter interface {
	Execute(ctx context.Context, state RunState, env *Environment) (*Descriptor, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context, state RunState, env *Environment) (*Descriptor, error)

func (f StarterFunc) Execute(ctx context.Context, state RunState, env *Environment) (*Descriptor, error) {
	return f(ctx, state, env)
}

// Runner turns an environment into something a Starter can launch.
type Runner interface {
	ID() string
	CanRun(mode Mode, profile RunProfile) bool
	Prepare(env *Environment) (RunState, Starter, error)
}

// RunnerRegistry resolves runners in registration order.
type RunnerRegistry struct {
	mu      sync.RWMutex
	runners []Runner
}

func NewRunnerRegistry(runners ...Runner) *RunnerRegistry {
	return &RunnerRegistry{runners: runners}
}

func (r *RunnerRegistry) Register(runner Runner) {
	r.mu.Lock()
	r.runners = append(r.runners, runner)
	r.mu.Unlock()
}

// Resolve returns the first runner able to run profile in mode, or nil.
func (r *RunnerRegistry) Resolve(mode Mode, profile RunProfile) Runner {
	if profile == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, runner := range r.runners {
		if runner.CanRun(mode, profile) {
			return runner
		}
	}
	return nil
}
