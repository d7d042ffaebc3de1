package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/beforerun"
	"github.com/kandev/runctl/internal/common/config"
	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/events"
	"github.com/kandev/runctl/internal/events/bus"
	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/preferences"
	"github.com/kandev/runctl/internal/process"
	"github.com/kandev/runctl/internal/profiles"
	"github.com/kandev/runctl/internal/refresh"
	"github.com/kandev/runctl/internal/tracing"
)

// services is everything a command needs to launch profiles.
type services struct {
	cfg       *config.Config
	log       *logger.Logger
	bus       bus.EventBus
	registry  *prometheus.Registry
	catalog   *profiles.Catalog
	refresher *refresh.Refresher
	manager   *execution.Manager
	cleanups  []func()
}

// interaction selects how the manager talks to a user.
type interaction struct {
	gate   execution.ConfirmationGate
	editor execution.SettingsEditor
}

func buildServices(ctx context.Context, cfg *config.Config, log *logger.Logger, ui interaction) (*services, error) {
	s := &services{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	if err := tracing.Init(ctx, cfg.Tracing, cfg.Workspace.Name); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	s.cleanups = append(s.cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	})

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}
	s.bus = eventBus
	s.cleanups = append(s.cleanups, closeBus)

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	s.catalog, err = profiles.NewCatalog(cfg.Profiles, root)
	if err != nil {
		return nil, err
	}

	var refreshRoots []string
	for _, r := range cfg.Workspace.RefreshRoots {
		if !filepath.IsAbs(r) {
			r = filepath.Join(root, r)
		}
		refreshRoots = append(refreshRoots, r)
	}
	s.refresher = refresh.New(refreshRoots, eventBus, log)
	s.refresher.Start(ctx)
	s.cleanups = append(s.cleanups, s.refresher.Stop)

	var prefs execution.PreferenceStore
	store, err := preferences.Open(cfg.Confirmation.PreferencesPath)
	if err != nil {
		log.Warn("confirmation preferences are not persisted", zap.Error(err))
		prefs = execution.NewMemoryPreferences()
	} else {
		prefs = store
	}
	prefs = preferences.WithDisabled(prefs, disabledConfirmations(cfg.Confirmation)...)

	var manager *execution.Manager
	runner := process.NewRunner(log, process.RunnerOptions{
		GracePeriod: cfg.Execution.StopGracePeriod(),
		BufferBytes: int64(cfg.Execution.OutputBufferBytes),
		Relaunch: func(ctx context.Context, env *execution.Environment, desc *execution.Descriptor) error {
			next := env.Clone()
			next.ReuseDescriptor = desc
			return manager.RestartEnvironment(ctx, next)
		},
	})

	manager, err = execution.NewManager(execution.Options{
		Config:      cfg.Execution,
		Workspace:   execution.NewWorkspace(cfg.Workspace.Name),
		Runners:     execution.NewRunnerRegistry(runner),
		Providers:   execution.NewProviderRegistry(beforerun.Providers(log)...),
		Gate:        ui.gate,
		Preferences: prefs,
		Editor:      ui.editor,
		Refresher:   s.refresher,
		Bus:         eventBus,
		Metrics:     execution.NewMetrics(s.registry),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	s.manager = manager
	s.cleanups = append(s.cleanups, manager.Dispose)

	ok = true
	return s, nil
}

// close releases services in reverse order of construction.
func (s *services) close() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
	_ = s.log.Sync()
}

func disabledConfirmations(cfg config.ConfirmationConfig) []execution.ConfirmKind {
	var kinds []execution.ConfirmKind
	if !cfg.RestartSingleton {
		kinds = append(kinds, execution.ConfirmRestartSingleton)
	}
	if !cfg.StopIncompatible {
		kinds = append(kinds, execution.ConfirmStopIncompatible)
	}
	return kinds
}
