package execution

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	apperrors "github.com/kandev/runctl/internal/common/errors"
	"github.com/kandev/runctl/internal/events"
	"github.com/kandev/runctl/internal/events/bus"
	"github.com/kandev/runctl/internal/tracing"
)

// RestartRequest asks for a (re)launch that first stops conflicting sessions.
type RestartRequest struct {
	Mode     Mode
	Target   string
	Settings *ConfigSettings // optional
	Profile  RunProfile      // used when Settings is nil
	Runner   Runner          // optional; resolved when nil
	Current  *Descriptor     // the session being restarted, if any
	Gate     ConfirmationGate
}

func (r RestartRequest) name() string {
	if r.Settings != nil {
		return r.Settings.Name
	}
	if r.Profile != nil {
		return r.Profile.Name()
	}
	if r.Current != nil {
		return r.Current.DisplayName()
	}
	return ""
}

// Restart stops the sessions that conflict with the requested launch, waits
// for the same-configuration ones to terminate and then launches.
//
// It returns once the stop has been initiated; the launch itself is reported
// through lifecycle events. A configuration no runner can execute yields a
// CONFIGURATION_ERROR, and a declined confirmation yields ErrRestartDeclined
// with nothing stopped. Restart must not be called from a Listener.
func (m *Manager) Restart(ctx context.Context, req RestartRequest) error {
	if m.disposed.Load() {
		return ErrManagerDisposed
	}
	if req.Mode == "" {
		req.Mode = ModeRun
	}
	profile := req.Profile
	if req.Settings != nil && req.Settings.Profile != nil {
		profile = req.Settings.Profile
	}
	runner := req.Runner
	if runner == nil {
		runner = m.runners.Resolve(req.Mode, profile)
	}
	if runner == nil && req.Settings != nil {
		m.logger.Error("no runner for configuration",
			zap.String("configuration", req.Settings.Name),
			zap.String("mode", string(req.Mode)))
		return apperrors.ConfigurationError(req.Settings.Name, ErrNoRunner)
	}

	ctx, span := tracing.TraceRestart(ctx, string(req.Mode), req.name())
	err := m.restart(ctx, req, profile, runner)
	status := "scheduled"
	if err != nil {
		status = "aborted"
	}
	tracing.EndSpan(span, status, err)
	return err
}

func (m *Manager) restart(ctx context.Context, req RestartRequest, profile RunProfile, runner Runner) error {
	var sameType, incompatible []*Descriptor
	if err := m.dispatcher.Invoke(ctx, func() {
		sameType, incompatible = m.conflicts(req.Settings, req.Current)
	}); err != nil {
		return err
	}

	gate := req.Gate
	if gate == nil {
		gate = m.gate
	}
	if req.Settings != nil {
		if needsSameTypeConfirmation(sameType, req.Current) {
			ok, err := m.approve(ctx, gate, ConfirmRequest{
				Kind:    ConfirmRestartSingleton,
				Subject: req.Settings.Name,
				Count:   len(sameType),
			})
			if err != nil {
				return err
			}
			if !ok {
				return ErrRestartDeclined
			}
		}
		if len(incompatible) > 0 {
			names := make([]string, len(incompatible))
			for i, d := range incompatible {
				names[i] = d.DisplayName()
			}
			ok, err := m.approve(ctx, gate, ConfirmRequest{
				Kind:    ConfirmStopIncompatible,
				Subject: req.Settings.Name,
				Count:   len(incompatible),
				Names:   names,
			})
			if err != nil {
				return err
			}
			if !ok {
				return ErrRestartDeclined
			}
		}
	}

	plan := newLaunchPlan(req, profile, runner)
	async := context.WithoutCancel(ctx)
	return m.post(func() {
		for _, d := range sameType {
			StopProcess(d.Handle())
		}
		for _, d := range incompatible {
			StopProcess(d.Handle())
		}
		m.awaitTermination(async, plan, sameType)
	})
}

// conflicts returns the live sessions of the same configuration (or just
// current when the configuration is not a singleton) and the live sessions
// whose profile must stop for settings to run. Must run on the dispatcher.
func (m *Manager) conflicts(settings *ConfigSettings, current *Descriptor) (sameType, incompatible []*Descriptor) {
	running := m.registry.ForEach((*Session).running)

	if settings != nil && settings.Singleton {
		for _, s := range running {
			if s.settings == settings {
				sameType = append(sameType, s.descriptor)
			}
		}
	} else if current != nil && current.Handle() != nil {
		sameType = append(sameType, current)
	}

	if settings == nil {
		return sameType, nil
	}
	for _, s := range running {
		if containsDescriptor(sameType, s.descriptor) {
			continue
		}
		if ca, ok := s.profile().(CompatibilityAware); ok && ca.MustStopToRun(settings.Profile) {
			incompatible = append(incompatible, s.descriptor)
		}
	}
	return sameType, incompatible
}

func (s *Session) profile() RunProfile {
	if s.env != nil && s.env.Profile != nil {
		return s.env.Profile
	}
	if s.settings != nil {
		return s.settings.Profile
	}
	return nil
}

func containsDescriptor(list []*Descriptor, d *Descriptor) bool {
	for _, x := range list {
		if x == d {
			return true
		}
	}
	return false
}

// needsSameTypeConfirmation is false only when nothing is running or the
// single running instance is the session being restarted.
func needsSameTypeConfirmation(sameType []*Descriptor, current *Descriptor) bool {
	if len(sameType) == 0 {
		return false
	}
	return len(sameType) > 1 || current == nil || sameType[0] != current
}

// awaitTermination polls until the runner is idle and every stopped
// same-configuration session has terminated, then executes plan. There is
// no timeout: a process that never terminates keeps this restart waiting.
// Must run on the dispatcher.
func (m *Manager) awaitTermination(ctx context.Context, plan LaunchPlan, sameType []*Descriptor) {
	interval := backoff.NewConstantBackOff(m.pollInterval)
	began := time.Now()
	warned := false

	var check func()
	check = func() {
		if m.workspace.IsDisposed() {
			return
		}
		if m.mustWait(plan, sameType) {
			m.metrics.restartPoll()
			if !warned && m.stuckWarning > 0 && time.Since(began) >= m.stuckWarning {
				warned = true
				m.warnStuckRestart(plan, sameType, time.Since(began))
			}
			m.dispatcher.PostDelayed(interval.NextBackOff(), check)
			return
		}
		m.executePlan(ctx, plan)
	}
	m.dispatcher.PostDelayed(m.initialDelay, check)
}

func (m *Manager) mustWait(plan LaunchPlan, sameType []*Descriptor) bool {
	if plan.runner != nil && m.isStarting(plan.mode, plan.runner.ID()) {
		return true
	}
	for _, d := range sameType {
		h := d.Handle()
		if h == nil {
			continue
		}
		// tracked sessions count as gone once their terminated event is out
		if s, ok := m.registry.Get(d.ID()); ok && s.descriptor == d {
			if s.State() != StateTerminated {
				return true
			}
			continue
		}
		if !h.IsTerminated() {
			return true
		}
	}
	return false
}

func (m *Manager) warnStuckRestart(plan LaunchPlan, sameType []*Descriptor, waited time.Duration) {
	name := ""
	if plan.settings != nil {
		name = plan.settings.Name
	} else if plan.profile != nil {
		name = plan.profile.Name()
	}
	m.logger.Warn("restart still waiting for previous sessions to terminate",
		zap.String("name", name),
		zap.Int("pending", len(sameType)),
		zap.Duration("waited", waited))
	if m.bus == nil {
		return
	}
	data := map[string]any{"name": name, "pending": len(sameType), "waited_ms": waited.Milliseconds()}
	if err := m.bus.Publish(context.Background(), events.RestartWaiting, bus.NewEvent(events.RestartWaiting, "runctl", data)); err != nil {
		m.logger.Debug("failed to publish restart warning", zap.Error(err))
	}
}
