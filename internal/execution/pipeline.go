package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/logger"
	"github.com/kandev/runctl/internal/tracing"
)

// BeforeRunProvider executes one kind of before-run step. A non-nil error
// rejects the launch.
type BeforeRunProvider interface {
	ID() string
	Execute(ctx context.Context, settings *ConfigSettings, env *Environment, step BeforeRunStep) error
}

// ProviderRegistry maps provider ids to providers.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]BeforeRunProvider
}

func NewProviderRegistry(providers ...BeforeRunProvider) *ProviderRegistry {
	r := &ProviderRegistry{providers: make(map[string]BeforeRunProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *ProviderRegistry) Register(p BeforeRunProvider) {
	r.mu.Lock()
	r.providers[p.ID()] = p
	r.mu.Unlock()
}

// ProviderFor returns the provider registered under id.
func (r *ProviderRegistry) ProviderFor(id string) (BeforeRunProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Pipeline runs before-run steps on the worker pool and hands the outcome
// back to the dispatcher.
type Pipeline struct {
	providers  *ProviderRegistry
	pool       *ants.Pool
	dispatcher *Dispatcher
	workspace  *Workspace
	metrics    *Metrics
	logger     *logger.Logger
}

func newPipeline(providers *ProviderRegistry, pool *ants.Pool, d *Dispatcher, ws *Workspace, m *Metrics, log *logger.Logger) *Pipeline {
	return &Pipeline{
		providers:  providers,
		pool:       pool,
		dispatcher: d,
		workspace:  ws,
		metrics:    m,
		logger:     log.WithFields(zap.String("component", "before-run")),
	}
}

// Run executes steps in order. onSuccess or onCancel is later invoked on the
// dispatcher, never both.
func (p *Pipeline) Run(ctx context.Context, env *Environment, steps []BeforeRunStep, onSuccess func(), onCancel func(error)) {
	submit(p.pool, func() {
		if err := p.execute(ctx, env, steps); err != nil {
			p.post(func() { onCancel(err) })
			return
		}
		p.post(onSuccess)
	}, func(err error) {
		p.post(func() { onCancel(&PipelineAbortError{Err: fmt.Errorf("submit before-run pipeline: %w", err)}) })
	})
}

func (p *Pipeline) post(task func()) {
	if err := p.dispatcher.Post(task); err != nil {
		p.logger.Debug("dropped before-run outcome", zap.Error(err))
	}
}

func (p *Pipeline) execute(ctx context.Context, env *Environment, steps []BeforeRunStep) (err error) {
	log := p.logger.WithExecutionID(env.ExecutionID)
	ctx, span := tracing.TraceBeforeRun(ctx, env.ExecutionID, env.Name(), len(steps))
	defer func() {
		status := "completed"
		if err != nil {
			status = "aborted"
		}
		tracing.EndSpan(span, status, err)
	}()

	for i, step := range steps {
		if p.workspace.IsDisposed() {
			return &PipelineAbortError{ProviderID: step.ProviderID, Err: ErrWorkspaceDisposed}
		}
		if ctx.Err() != nil {
			return &PipelineAbortError{ProviderID: step.ProviderID, Err: ctx.Err()}
		}

		provider, ok := p.providers.ProviderFor(step.ProviderID)
		if !ok {
			log.Warn("no provider for before-run step, skipping",
				zap.String("provider", step.ProviderID),
				zap.Int("step_index", i))
			p.metrics.stepDone(step.ProviderID, "skipped")
			continue
		}

		stepCtx, stepSpan := tracing.TraceBeforeRunStep(ctx, step.ProviderID, i)
		stepErr := provider.Execute(stepCtx, env.Settings, env.forStep(), step)
		if stepErr != nil {
			tracing.EndSpan(stepSpan, "failed", stepErr)
			p.metrics.stepDone(step.ProviderID, "failed")
			log.Info("before-run step rejected launch",
				zap.String("provider", step.ProviderID),
				zap.Error(stepErr))
			return &PipelineAbortError{ProviderID: step.ProviderID, Err: stepErr}
		}
		tracing.EndSpan(stepSpan, "completed", nil)
		p.metrics.stepDone(step.ProviderID, "completed")
	}
	return nil
}
