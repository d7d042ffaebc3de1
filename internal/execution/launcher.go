package execution

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/kandev/runctl/internal/common/errors"
	"github.com/kandev/runctl/internal/tracing"
)

// SettingsEditor lets the user review settings before a launch. Returning
// false cancels the launch.
type SettingsEditor interface {
	Edit(ctx context.Context, settings *ConfigSettings) (bool, error)
}

// ErrorReporter receives launch failures.
type ErrorReporter interface {
	ReportLaunchError(env *Environment, err error)
}

type planKind int

const (
	planNone planKind = iota
	planProfileWithRunner
	planConfiguration
	planRestarter
)

func (k planKind) String() string {
	switch k {
	case planProfileWithRunner:
		return "profile"
	case planConfiguration:
		return "configuration"
	case planRestarter:
		return "restarter"
	}
	return "none"
}

// LaunchPlan is how a restart will launch its replacement: with a profile and
// runner, from the configuration alone, through the previous session's
// restarter, or not at all.
type LaunchPlan struct {
	kind     planKind
	mode     Mode
	target   string
	runner   Runner
	profile  RunProfile
	settings *ConfigSettings
	current  *Descriptor
}

func newLaunchPlan(req RestartRequest, profile RunProfile, runner Runner) LaunchPlan {
	p := LaunchPlan{
		mode:     req.Mode,
		target:   req.Target,
		runner:   runner,
		profile:  profile,
		settings: req.Settings,
		current:  req.Current,
	}
	switch {
	case runner != nil && profile != nil:
		p.kind = planProfileWithRunner
	case req.Settings != nil:
		p.kind = planConfiguration
	case req.Current != nil && req.Current.Restarter() != nil:
		p.kind = planRestarter
	}
	return p
}

func (p LaunchPlan) Kind() string { return p.kind.String() }

// executePlan launches p. Must run on the dispatcher.
func (m *Manager) executePlan(ctx context.Context, p LaunchPlan) {
	log := m.logger.WithFields(zap.String("plan", p.kind.String()))
	switch p.kind {
	case planProfileWithRunner:
		env := &Environment{
			Mode:            p.mode,
			Target:          p.target,
			Profile:         p.profile,
			Settings:        p.settings,
			Runner:          p.runner,
			ReuseDescriptor: p.current,
		}
		m.launchEnvironment(ctx, env, p.settings != nil && p.settings.EditBeforeRun)
	case planConfiguration:
		// Not reachable from Restart, which rejects settings without a runner
		// up front. Kept so a plan carrying only settings still launches.
		runner := m.runners.Resolve(p.mode, p.settings.Profile)
		if runner == nil {
			log.Error("no runner for configuration", zap.String("configuration", p.settings.Name))
			return
		}
		env := &Environment{
			Mode:            p.mode,
			Target:          p.target,
			Profile:         p.settings.Profile,
			Settings:        p.settings,
			Runner:          runner,
			ReuseDescriptor: p.current,
		}
		m.launchEnvironment(ctx, env, true)
	case planRestarter:
		// Restarters re-enter the Manager, which waits on the dispatcher.
		restart := p.current.Restarter()
		submit(m.pool, func() {
			if err := restart(ctx); err != nil {
				log.Error("session restarter failed", zap.String("session_id", p.current.ID()), zap.Error(err))
			}
		}, func(err error) {
			log.Error("failed to submit session restarter", zap.Error(err))
		})
	default:
		log.Debug("nothing to launch")
	}
}

// launchEnvironment optionally lets the user edit the settings, then prepares
// and schedules env. Must run on the dispatcher.
func (m *Manager) launchEnvironment(ctx context.Context, env *Environment, edit bool) {
	if !edit || m.editor == nil || env.Settings == nil {
		m.prepareAndStart(ctx, env)
		return
	}
	submit(m.pool, func() {
		proceed, err := m.editor.Edit(ctx, env.Settings)
		if err != nil {
			m.logger.Warn("settings editor failed", zap.String("configuration", env.Settings.Name), zap.Error(err))
			return
		}
		if !proceed {
			m.logger.Info("launch cancelled from settings editor", zap.String("configuration", env.Settings.Name))
			return
		}
		_ = m.post(func() { m.prepareAndStart(ctx, env) })
	}, func(err error) {
		m.logger.Error("failed to submit settings edit", zap.Error(err))
	})
}

// prepareAndStart asks the runner for a starter and schedules it. Must run on
// the dispatcher.
func (m *Manager) prepareAndStart(ctx context.Context, env *Environment) {
	state, starter, err := env.Runner.Prepare(env)
	if err != nil {
		m.metrics.launch(env.Mode, "failed")
		m.reporter.ReportLaunchError(env, apperrors.LaunchError(env.Name(), err))
		return
	}
	m.scheduleStart(ctx, starter, state, env)
}

// scheduleStart emits processStartScheduled and runs the before-run pipeline
// ahead of the launch. Must run on the dispatcher.
func (m *Manager) scheduleStart(ctx context.Context, starter Starter, state RunState, env *Environment) {
	if env.ExecutionID == 0 {
		env.AssignNewExecutionID()
	}
	if env.ReuseDescriptor != nil {
		env.ReuseDescriptor.SetExecutionID(env.ExecutionID)
	}
	m.markStarting(env)
	m.notifier.emit(envEvent(EventStartScheduled, env))

	var steps []BeforeRunStep
	if env.Settings != nil {
		steps = env.Settings.BeforeRunSteps()
	}
	start := func() { m.launch(ctx, starter, state, env) }
	if len(steps) == 0 {
		start()
		return
	}
	m.pipeline.Run(ctx, env, steps, start, func(err error) { m.cancelLaunch(env, err) })
}

func (m *Manager) cancelLaunch(env *Environment, err error) {
	m.logger.WithExecutionID(env.ExecutionID).Info("launch cancelled",
		zap.String("name", env.Name()), zap.Error(err))
	m.metrics.launch(env.Mode, "cancelled")
	m.launchFinished(env)
	if m.workspace.IsDisposed() {
		return
	}
	ev := envEvent(EventNotStarted, env)
	ev.Err = err
	m.notifier.emit(ev)
}

// launch emits processStarting and runs the starter on the worker pool. Must
// run on the dispatcher.
func (m *Manager) launch(ctx context.Context, starter Starter, state RunState, env *Environment) {
	if m.workspace.IsDisposed() {
		m.launchFinished(env)
		return
	}
	m.notifier.emit(envEvent(EventStarting, env))

	submit(m.pool, func() {
		lctx, span := tracing.TraceLaunch(ctx, env.ExecutionID, string(env.Mode), env.Name())
		desc, err := safeExecute(lctx, starter, state, env)
		status := "started"
		if err != nil {
			status = "failed"
		}
		tracing.EndSpan(span, status, err)

		if postErr := m.dispatcher.Post(func() { m.finishLaunch(env, desc, err) }); postErr != nil && desc != nil {
			StopProcess(desc.Handle())
			desc.Dispose()
		}
	}, func(err error) {
		_ = m.post(func() { m.finishLaunch(env, nil, fmt.Errorf("submit launch: %w", err)) })
	})
}

func safeExecute(ctx context.Context, starter Starter, state RunState, env *Environment) (desc *Descriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			desc, err = nil, fmt.Errorf("starter panicked: %v", r)
		}
	}()
	return starter.Execute(ctx, state, env)
}

// finishLaunch registers the session produced by a starter and emits
// processStarted, or processNotStarted when nothing runs. Must run on the
// dispatcher.
func (m *Manager) finishLaunch(env *Environment, desc *Descriptor, err error) {
	defer m.launchFinished(env)
	log := m.logger.WithExecutionID(env.ExecutionID)

	if err != nil {
		m.metrics.launch(env.Mode, "failed")
		m.reporter.ReportLaunchError(env, apperrors.LaunchError(env.Name(), err))
		if !m.workspace.IsDisposed() {
			ev := envEvent(EventNotStarted, env)
			ev.Err = err
			m.notifier.emit(ev)
		}
		return
	}
	if desc == nil {
		m.metrics.launch(env.Mode, "empty")
		if !m.workspace.IsDisposed() {
			m.notifier.emit(envEvent(EventNotStarted, env))
		}
		return
	}
	if m.workspace.IsDisposed() {
		StopProcess(desc.Handle())
		desc.Dispose()
		return
	}

	desc.SetExecutionID(env.ExecutionID)
	s := newSession(env, desc)
	m.metrics.sessionAdded()
	m.registry.Add(s)

	h := desc.Handle()
	if h == nil {
		s.state.Store(int32(StateNotStarted))
		m.metrics.launch(env.Mode, "no_process")
		m.notifier.emit(sessionEvent(EventNotStarted, s))
		return
	}

	if !h.IsStartNotified() {
		h.StartNotify()
	}
	s.advance(StateStarted)
	m.metrics.launch(env.Mode, "started")
	log.Info("session started",
		zap.String("session_id", s.ID()),
		zap.String("name", s.Name()),
		zap.Int("pid", h.PID()))
	m.notifier.emit(sessionEvent(EventStarted, s))

	h.AddListener(&processWatcher{
		session:    s,
		dispatcher: m.dispatcher,
		onWill:     m.notifier.terminating,
		onDone:     m.sessionTerminated,
	})
}

func (m *Manager) sessionTerminated(s *Session, exitCode int) {
	if !m.notifier.terminated(s, exitCode) {
		return
	}
	m.logger.WithExecutionID(s.executionID).Info("session terminated",
		zap.String("session_id", s.ID()),
		zap.Int("exit_code", exitCode))
	if m.autoDispose {
		s.descriptor.Dispose()
	}
}

func launchKey(mode Mode, runnerID string) string {
	return string(mode) + "/" + runnerID
}

// markStarting records that env's runner is busy until launchFinished. Must
// run on the dispatcher.
func (m *Manager) markStarting(env *Environment) {
	if env.Runner == nil {
		return
	}
	if _, ok := m.launchKeys[env.ExecutionID]; ok {
		return
	}
	key := launchKey(env.Mode, env.runnerID())
	m.launchKeys[env.ExecutionID] = key
	m.starting[key]++
}

func (m *Manager) launchFinished(env *Environment) {
	key, ok := m.launchKeys[env.ExecutionID]
	if !ok {
		return
	}
	delete(m.launchKeys, env.ExecutionID)
	if m.starting[key]--; m.starting[key] <= 0 {
		delete(m.starting, key)
	}
}

// isStarting reports whether runnerID has a launch in flight for mode. Must
// run on the dispatcher.
func (m *Manager) isStarting(mode Mode, runnerID string) bool {
	return m.starting[launchKey(mode, runnerID)] > 0
}

type logReporter struct {
	m *Manager
}

func (r logReporter) ReportLaunchError(env *Environment, err error) {
	r.m.logger.WithExecutionID(env.ExecutionID).Error("launch failed",
		zap.String("name", env.Name()),
		zap.String("mode", string(env.Mode)),
		zap.Error(err))
}
