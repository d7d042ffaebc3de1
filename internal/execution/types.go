// Package execution launches, tracks, restarts and tears down run sessions.
//
// All registry mutation, conflict computation and lifecycle event delivery
// happens on a single Dispatcher goroutine. Blocking work (before-run steps,
// process spawning) runs on a worker pool and posts its outcome back.
package execution

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Mode is the purpose of a launch, such as run or debug.
type Mode string

const (
	ModeRun   Mode = "run"
	ModeDebug Mode = "debug"
)

// RunProfile is anything that can be launched.
type RunProfile interface {
	Name() string
}

// CompatibilityAware is implemented by profiles that cannot keep running
// while certain other profiles start. Profiles without it never conflict.
type CompatibilityAware interface {
	// MustStopToRun reports whether this running profile has to be stopped
	// before other can run.
	MustStopToRun(other RunProfile) bool
}

// BeforeRunStep is one pre-launch action, resolved to a provider by ProviderID.
type BeforeRunStep struct {
	ProviderID string
	Ordinal    int
	Options    map[string]string
}

// ConfigSettings identifies a run configuration. Two settings are the same
// configuration only if they are the same pointer.
type ConfigSettings struct {
	Name          string
	Singleton     bool
	EditBeforeRun bool
	Profile       RunProfile

	mu    sync.RWMutex
	steps []BeforeRunStep
}

// NewConfigSettings returns settings for profile named name.
func NewConfigSettings(name string, profile RunProfile) *ConfigSettings {
	return &ConfigSettings{Name: name, Profile: profile}
}

// SetBeforeRunSteps replaces the before-run steps. Launches already in
// flight keep the snapshot they started with.
func (c *ConfigSettings) SetBeforeRunSteps(steps []BeforeRunStep) {
	cp := append([]BeforeRunStep(nil), steps...)
	c.mu.Lock()
	c.steps = cp
	c.mu.Unlock()
}

// BeforeRunSteps returns a snapshot of the steps ordered by Ordinal.
func (c *ConfigSettings) BeforeRunSteps() []BeforeRunStep {
	c.mu.RLock()
	cp := append([]BeforeRunStep(nil), c.steps...)
	c.mu.RUnlock()
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Ordinal < cp[j].Ordinal })
	return cp
}

func (c *ConfigSettings) displayName() string {
	if c == nil {
		return ""
	}
	return c.Name
}

// Environment describes one launch attempt.
type Environment struct {
	ExecutionID int64
	Mode        Mode
	Target      string
	Profile     RunProfile
	Settings    *ConfigSettings
	Runner      Runner

	// ReuseDescriptor is the session whose place the new launch takes, if any.
	ReuseDescriptor *Descriptor
}

var lastExecutionID atomic.Int64

// AssignNewExecutionID gives env a fresh process-wide execution id and returns it.
func (e *Environment) AssignNewExecutionID() int64 {
	e.ExecutionID = lastExecutionID.Add(1)
	return e.ExecutionID
}

// Name returns the settings name, falling back to the profile name.
func (e *Environment) Name() string {
	if e.Settings != nil {
		return e.Settings.Name
	}
	if e.Profile != nil {
		return e.Profile.Name()
	}
	return ""
}

func (e *Environment) runnerID() string {
	if e.Runner == nil {
		return ""
	}
	return e.Runner.ID()
}

// forStep copies the environment for a before-run step. The copy keeps the
// execution id and drops the reuse descriptor.
func (e *Environment) forStep() *Environment {
	cp := *e
	cp.ReuseDescriptor = nil
	return &cp
}

// Clone copies the environment with a zero execution id, ready for relaunch.
func (e *Environment) Clone() *Environment {
	cp := *e
	cp.ExecutionID = 0
	return &cp
}
