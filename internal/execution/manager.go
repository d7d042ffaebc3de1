package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/config"
	apperrors "github.com/kandev/runctl/internal/common/errors"
	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events"
	"github.com/kandev/runctl/internal/events/bus"
)

const (
	defaultRestartInitialDelay = 50 * time.Millisecond
	defaultRestartPollInterval = 100 * time.Millisecond
	defaultWorkerPoolSize      = 8
	disposeTimeout             = 5 * time.Second
)

// Options configures a Manager. Only Logger is required.
type Options struct {
	Config      config.ExecutionConfig
	Workspace   *Workspace
	Runners     *RunnerRegistry
	Providers   *ProviderRegistry
	Gate        ConfirmationGate
	Preferences PreferenceStore
	Editor      SettingsEditor
	Reporter    ErrorReporter
	Refresher   Refresher
	Bus         bus.EventBus
	Metrics     *Metrics
	Logger      *logger.Logger
}

// Manager is the run-session orchestrator.
type Manager struct {
	workspace  *Workspace
	dispatcher *Dispatcher
	pool       *ants.Pool
	registry   *SessionRegistry
	pipeline   *Pipeline
	notifier   *Notifier
	runners    *RunnerRegistry
	gate       ConfirmationGate
	prefs      PreferenceStore
	editor     SettingsEditor
	reporter   ErrorReporter
	bus        bus.EventBus
	metrics    *Metrics
	logger     *logger.Logger

	initialDelay time.Duration
	pollInterval time.Duration
	stuckWarning time.Duration
	autoDispose  bool

	// dispatcher-owned
	starting   map[string]int
	launchKeys map[int64]string

	disposed    atomic.Bool
	disposeOnce sync.Once
}

// NewManager builds a Manager and starts its dispatcher.
func NewManager(opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "execution-manager"))

	cfg := opts.Config
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize
	}
	// Blocking pool: when every worker is busy, submissions wait in line.
	pool, err := ants.NewPool(poolSize,
		ants.WithPanicHandler(func(p any) {
			log.Error("worker panicked", zap.Any("panic", p))
		}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	m := &Manager{
		workspace:    opts.Workspace,
		pool:         pool,
		registry:     NewSessionRegistry(),
		runners:      opts.Runners,
		gate:         opts.Gate,
		prefs:        opts.Preferences,
		editor:       opts.Editor,
		reporter:     opts.Reporter,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		logger:       log,
		initialDelay: cfg.RestartInitialDelay(),
		pollInterval: cfg.RestartPollInterval(),
		stuckWarning: cfg.RestartStuckWarning(),
		autoDispose:  cfg.AutoDisposeTerminated,
		starting:     make(map[string]int),
		launchKeys:   make(map[int64]string),
	}
	if m.workspace == nil {
		m.workspace = NewWorkspace("default")
	}
	if m.runners == nil {
		m.runners = NewRunnerRegistry()
	}
	if m.prefs == nil {
		m.prefs = NewMemoryPreferences()
	}
	if m.reporter == nil {
		m.reporter = logReporter{m: m}
	}
	if cfg.RestartInitialDelayMs == 0 {
		m.initialDelay = defaultRestartInitialDelay
	}
	if m.pollInterval <= 0 {
		m.pollInterval = defaultRestartPollInterval
	}
	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	m.dispatcher = NewDispatcher(log)
	m.pipeline = newPipeline(providers, pool, m.dispatcher, m.workspace, m.metrics, log)
	m.notifier = newNotifier(m.bus, m.workspace, opts.Refresher, m.metrics, log)
	m.registry.onRemove = m.sessionRemoved
	return m, nil
}

// submit runs task on pool from a fresh goroutine, so a saturated pool
// delays work instead of rejecting it and the caller never blocks. onErr
// receives the submission error, which only happens once the pool is
// released.
func submit(pool *ants.Pool, task func(), onErr func(error)) {
	go func() {
		if err := pool.Submit(task); err != nil && onErr != nil {
			onErr(err)
		}
	}()
}

func (m *Manager) post(task func()) error {
	if err := m.dispatcher.Post(task); err != nil {
		return ErrManagerDisposed
	}
	return nil
}

func (m *Manager) sessionRemoved(s *Session) {
	m.metrics.sessionRemoved()
	m.logger.Debug("session removed", zap.String("session_id", s.ID()))
	if m.bus == nil {
		return
	}
	data := map[string]any{"session_id": s.ID(), "execution_id": s.executionID, "name": s.Name()}
	if err := m.bus.Publish(context.Background(), events.SessionDisposed, bus.NewEvent(events.SessionDisposed, "runctl", data)); err != nil {
		m.logger.Debug("failed to publish session removal", zap.Error(err))
	}
}

// Workspace returns the workspace whose teardown silences this manager.
func (m *Manager) Workspace() *Workspace { return m.workspace }

// Runners returns the runner registry.
func (m *Manager) Runners() *RunnerRegistry { return m.runners }

// Subscribe registers a lifecycle listener and returns its cancel function.
func (m *Manager) Subscribe(l Listener) func() {
	return m.notifier.Subscribe(l)
}

// StartRunProfile launches state through starter: it assigns an execution id
// if env has none, emits processStartScheduled, runs the configuration's
// before-run steps and then starts. Progress is reported through events.
func (m *Manager) StartRunProfile(ctx context.Context, starter Starter, state RunState, env *Environment) error {
	if m.disposed.Load() {
		return ErrManagerDisposed
	}
	if env.ExecutionID == 0 {
		env.AssignNewExecutionID()
	}
	async := context.WithoutCancel(ctx)
	return m.post(func() { m.scheduleStart(async, starter, state, env) })
}

// ExecuteEnvironment resolves env's runner if needed and launches it without
// checking for conflicts.
func (m *Manager) ExecuteEnvironment(ctx context.Context, env *Environment) error {
	if m.disposed.Load() {
		return ErrManagerDisposed
	}
	if env.Profile == nil && env.Settings != nil {
		env.Profile = env.Settings.Profile
	}
	if env.Runner == nil {
		env.Runner = m.runners.Resolve(env.Mode, env.Profile)
	}
	if env.Runner == nil {
		return apperrors.ConfigurationError(env.Name(), ErrNoRunner)
	}
	if env.ExecutionID == 0 {
		env.AssignNewExecutionID()
	}
	async := context.WithoutCancel(ctx)
	return m.post(func() { m.prepareAndStart(async, env) })
}

// ExecuteConfiguration launches settings in mode without checking for
// conflicts, honoring the settings' edit-before-run flag.
func (m *Manager) ExecuteConfiguration(ctx context.Context, settings *ConfigSettings, mode Mode, target string, reuse *Descriptor) error {
	if m.disposed.Load() {
		return ErrManagerDisposed
	}
	runner := m.runners.Resolve(mode, settings.Profile)
	if runner == nil {
		return apperrors.ConfigurationError(settings.Name, ErrNoRunner)
	}
	env := &Environment{
		Mode:            mode,
		Target:          target,
		Profile:         settings.Profile,
		Settings:        settings,
		Runner:          runner,
		ReuseDescriptor: reuse,
	}
	async := context.WithoutCancel(ctx)
	return m.post(func() { m.launchEnvironment(async, env, settings.EditBeforeRun) })
}

// RestartEnvironment restarts whatever env describes, replacing its reuse
// descriptor.
func (m *Manager) RestartEnvironment(ctx context.Context, env *Environment) error {
	return m.Restart(ctx, RestartRequest{
		Mode:     env.Mode,
		Target:   env.Target,
		Settings: env.Settings,
		Profile:  env.Profile,
		Runner:   env.Runner,
		Current:  env.ReuseDescriptor,
	})
}

// RestartProcess restarts the session owning h. When no tracked session owns
// it the restart proceeds without a current session.
func (m *Manager) RestartProcess(ctx context.Context, h ProcessHandle, mode Mode, target string, settings *ConfigSettings) error {
	req := RestartRequest{Mode: mode, Target: target, Settings: settings}
	if s, ok := m.registry.FindByHandle(h); ok {
		req.Current = s.descriptor
		if req.Settings == nil {
			req.Settings = s.settings
			req.Profile = s.profile()
		}
	}
	return m.Restart(ctx, req)
}

// Sessions returns every tracked session in launch order.
func (m *Manager) Sessions() []*Session {
	return m.registry.All()
}

func (m *Manager) Session(id string) (*Session, bool) {
	return m.registry.Get(id)
}

// RunningProcesses returns the handles of all tracked sessions.
func (m *Manager) RunningProcesses() []ProcessHandle {
	var out []ProcessHandle
	for _, s := range m.registry.All() {
		if h := s.Handle(); h != nil {
			out = append(out, h)
		}
	}
	return out
}

// Stop initiates termination of the session with the given id.
func (m *Manager) Stop(id string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return apperrors.NotFound("session", id)
	}
	return m.post(func() { StopProcess(s.Handle()) })
}

// DisposeSession disposes the session's descriptor, which untracks it.
func (m *Manager) DisposeSession(id string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return apperrors.NotFound("session", id)
	}
	s.descriptor.Dispose()
	return nil
}

// Dispose disposes every tracked descriptor, then stops the dispatcher and
// worker pool. Lifecycle events stop once it returns.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		m.disposed.Store(true)
		// Silence the notifier before descriptors start stopping their processes.
		m.workspace.Dispose()
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := m.dispatcher.Invoke(ctx, m.registry.DisposeAll); err != nil {
			m.logger.Warn("disposing sessions off the dispatcher", zap.Error(err))
			m.registry.DisposeAll()
		}
		m.dispatcher.Dispose()
		m.pool.Release()
		m.logger.Info("execution manager disposed")
	})
}
