package execution

import (
	"sync/atomic"
	"time"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateStarted
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Session is one tracked launch.
type Session struct {
	seq         uint64
	executionID int64
	descriptor  *Descriptor
	settings    *ConfigSettings
	mode        Mode
	env         *Environment
	createdAt   time.Time

	state atomic.Int32
}

func newSession(env *Environment, desc *Descriptor) *Session {
	s := &Session{
		executionID: env.ExecutionID,
		descriptor:  desc,
		settings:    env.Settings,
		mode:        env.Mode,
		env:         env,
		createdAt:   time.Now().UTC(),
	}
	s.state.Store(int32(StateStarting))
	return s
}

func (s *Session) ID() string                { return s.descriptor.ID() }
func (s *Session) ExecutionID() int64        { return s.executionID }
func (s *Session) Descriptor() *Descriptor   { return s.descriptor }
func (s *Session) Settings() *ConfigSettings { return s.settings }
func (s *Session) Mode() Mode                { return s.mode }
func (s *Session) CreatedAt() time.Time      { return s.createdAt }
func (s *Session) State() State              { return State(s.state.Load()) }

// Environment returns the environment the session was launched with.
func (s *Session) Environment() *Environment { return s.env }

// Handle returns the process handle, or nil when the starter produced none.
func (s *Session) Handle() ProcessHandle { return s.descriptor.Handle() }

// Name returns the configuration name or, failing that, the descriptor's display name.
func (s *Session) Name() string {
	if s.settings != nil && s.settings.Name != "" {
		return s.settings.Name
	}
	return s.descriptor.DisplayName()
}

// advance moves the session forward to next. Moving backwards or standing
// still is refused.
func (s *Session) advance(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// running reports whether the session's process is alive and not on its way out.
func (s *Session) running() bool {
	return isAlive(s.Handle())
}
